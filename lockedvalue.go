package mauproxy

//
// lockedValue is a direct Go adaptation of original_source/MauProxy.h's
// LockedValue<T> template (lines 121-142): a value guarded by a mutex,
// read and written wholesale under lock. Used for ChannelConfig
// snapshots and per-channel delivery addresses (see §5 of SPEC_FULL.md).
//

import "sync"

type lockedValue[T any] struct {
	mu    sync.Mutex
	value T
}

func (lv *lockedValue[T]) Set(v T) {
	lv.mu.Lock()
	lv.value = v
	lv.mu.Unlock()
}

func (lv *lockedValue[T]) Get() T {
	lv.mu.Lock()
	v := lv.value
	lv.mu.Unlock()
	return v
}
