package companion

import (
	"errors"
	"fmt"
	"testing"
)

func TestState_Status(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state  State
		name   string
		status string
		active bool
	}{
		{StateIdle, "idle", "Ready", false},
		{StateConnecting, "connecting", "Connecting…", true},
		{StateListening, "listening", "Listening…", true},
		{StateClosed, "closed", "Session ended", false},
		{StateErrored, "errored", "Connection error", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.state.String(); got != tc.name {
				t.Errorf("String() = %q, want %q", got, tc.name)
			}
			if got := tc.state.Status(); got != tc.status {
				t.Errorf("Status() = %q, want %q", got, tc.status)
			}
			if got := tc.state.Active(); got != tc.active {
				t.Errorf("Active() = %v, want %v", got, tc.active)
			}

			var back State
			if err := back.UnmarshalText([]byte(tc.name)); err != nil || back != tc.state {
				t.Errorf("UnmarshalText(%q) = %v, %v", tc.name, back, err)
			}
		})
	}

	if got := State(42).String(); got != "State(42)" {
		t.Errorf("unknown String() = %q", got)
	}
	if got := State(42).Status(); got != "" {
		t.Errorf("unknown Status() = %q", got)
	}
	var s State
	if err := s.UnmarshalText([]byte("sleeping")); err == nil {
		t.Error("UnmarshalText accepted unknown state")
	}
}

func TestError_Classification(t *testing.T) {
	t.Parallel()
	cause := errors.New("device busy")
	err := fmt.Errorf("start: %w", newError(KindPermissionDenied, cause))

	if !errors.Is(err, ErrPermissionDenied) {
		t.Error("errors.Is(ErrPermissionDenied) = false")
	}
	if errors.Is(err, ErrConnectionFailed) {
		t.Error("matched the wrong kind")
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable")
	}
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindPermissionDenied {
		t.Errorf("errors.As = %v", e)
	}
	if KindOf(err) != KindPermissionDenied {
		t.Errorf("KindOf = %s", KindOf(err))
	}
	if KindOf(cause) != 0 {
		t.Errorf("KindOf(plain) = %s, want 0", KindOf(cause))
	}
	if got := e.Error(); got != "companion: audio device permission denied: device busy" {
		t.Errorf("Error() = %q", got)
	}
}

func TestKind_String(t *testing.T) {
	t.Parallel()
	for k, want := range map[Kind]string{
		KindPermissionDenied: "permission_denied",
		KindConnectionFailed: "connection_failed",
		KindTransport:        "transport",
		KindDecode:           "decode",
		Kind(9):              "Kind(9)",
	} {
		if got := k.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}
