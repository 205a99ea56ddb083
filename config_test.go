package mauproxy

import "testing"

func TestNewChannelConfigDefaults(t *testing.T) {
	cfg := NewChannelConfig()

	if cfg.RNGSeed != 1 {
		t.Errorf("RNGSeed=%d, want 1", cfg.RNGSeed)
	}
	if cfg.LossRate != 0.01 {
		t.Errorf("LossRate=%v, want 0.01", cfg.LossRate)
	}
	if cfg.RouterMbps != 1 {
		t.Errorf("RouterMbps=%v, want 1", cfg.RouterMbps)
	}
	if cfg.ReorderMaximumLatencyMsec <= cfg.ReorderMinimumLatencyMsec {
		t.Errorf("ReorderMaximumLatencyMsec (%d) should exceed ReorderMinimumLatencyMsec (%d)",
			cfg.ReorderMaximumLatencyMsec, cfg.ReorderMinimumLatencyMsec)
	}
}

func TestZeroImpairmentConfigDeliversEverything(t *testing.T) {
	cfg := zeroImpairmentConfig()

	if cfg.LossRate != 0 {
		t.Errorf("LossRate=%v, want 0", cfg.LossRate)
	}
	if cfg.DeliveryRate != 1 {
		t.Errorf("DeliveryRate=%v, want 1", cfg.DeliveryRate)
	}
	if cfg.RouterREDEnable {
		t.Error("RouterREDEnable should be false")
	}
}

func TestNewProxyConfigDefaults(t *testing.T) {
	cfg := NewProxyConfig()

	if cfg.UDPListenPort != 10200 {
		t.Errorf("UDPListenPort=%d, want 10200", cfg.UDPListenPort)
	}
	if !cfg.BindAddress.Empty() {
		t.Error("BindAddress should default to empty (wildcard bind)")
	}
	if cfg.MaxDatagramBytes != 1500 {
		t.Errorf("MaxDatagramBytes=%d, want 1500", cfg.MaxDatagramBytes)
	}
}

func TestResultString(t *testing.T) {
	cases := map[Result]string{
		ResultSuccess:        "success",
		ResultResolveFailed:  "resolve_failed",
		ResultPacketTooLarge: "packet_too_large",
		Result(999):          "unknown",
	}
	for result, want := range cases {
		if got := result.String(); got != want {
			t.Errorf("Result(%d).String()=%q, want %q", result, got, want)
		}
	}
}

func TestErrToResultRoundTrip(t *testing.T) {
	cases := []struct {
		err  error
		want Result
	}{
		{ErrInvalidInput, ResultInvalidArgument},
		{ErrResolveFailed, ResultResolveFailed},
		{ErrBindFailed, ResultBindFailed},
		{ErrSendFailed, ResultSendFailed},
		{ErrAllocationFailed, ResultAllocationFailed},
		{ErrShutdown, ResultShutdown},
		{ErrPacketTooLarge, ResultPacketTooLarge},
	}
	for _, tc := range cases {
		if got := errToResult(tc.err); got != tc.want {
			t.Errorf("errToResult(%v)=%s, want %s", tc.err, got, tc.want)
		}
	}
}
