package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("radio gone")

	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"readiness", &ReadinessTimeoutError{Missing: []string{"flow"}, Timeout: 5 * time.Second}, ErrReadinessTimeout},
		{"ack", &ParameterAckTimeoutError{Group: "kalman", Name: "detectionfactorFR", Target: 3.5}, ErrParameterAckTimeout},
		{"link", &LinkError{Op: "set", Err: cause}, ErrLink},
		{"link cause", &LinkError{Op: "set", Err: cause}, cause},
		{"executor", &ExecutorError{Err: context.DeadlineExceeded}, ErrExecutor},
		{"executor cause", &ExecutorError{Err: context.DeadlineExceeded}, context.DeadlineExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.target) {
				t.Errorf("errors.Is(%v, %v) = false", tt.err, tt.target)
			}
		})
	}
}

func TestReadinessTimeoutNamesMissing(t *testing.T) {
	err := &ReadinessTimeoutError{Missing: []string{"flow", "multiranger"}, Timeout: 5 * time.Second}
	if msg := err.Error(); !strings.Contains(msg, "flow, multiranger") {
		t.Errorf("message %q does not name the missing capabilities", msg)
	}
}

func TestNewLinkError(t *testing.T) {
	if NewLinkError("x", nil) != nil {
		t.Error("nil error wrapped")
	}
	inner := NewLinkError("inner", errors.New("boom"))
	if got := NewLinkError("outer", inner); got != inner {
		t.Errorf("LinkError double-wrapped: %v", got)
	}
}

func TestParseCapability(t *testing.T) {
	c, err := ParseCapability("multiranger", true)
	if err != nil || c.FullParam() != "deck.bcMultiranger" || !c.Required {
		t.Fatalf("ParseCapability(multiranger) = %+v, %v", c, err)
	}

	c, err = ParseCapability("ai=deck.bcAI", false)
	if err != nil || c.Name != "ai" || c.Group != "deck" || c.Param != "bcAI" || c.Required {
		t.Fatalf("ParseCapability(ai=deck.bcAI) = %+v, %v", c, err)
	}

	for _, bad := range []string{"lighthouse", "x=deck", "=deck.bcAI", "x=.p"} {
		if _, err := ParseCapability(bad, true); !errors.Is(err, ErrConfiguration) {
			t.Errorf("ParseCapability(%q) error = %v, want configuration error", bad, err)
		}
	}
}

func TestParseVariable(t *testing.T) {
	v, err := ParseVariable("stateEstimate.z")
	if err != nil || v.Type != "float" {
		t.Fatalf("ParseVariable default type = %+v, %v", v, err)
	}
	v, err = ParseVariable(" kalman.stateF:uint16_t ")
	if err != nil || v.Name != "kalman.stateF" || v.Type != "uint16_t" {
		t.Fatalf("ParseVariable = %+v, %v", v, err)
	}
	if _, err := ParseVariable("x:double"); !errors.Is(err, ErrConfiguration) {
		t.Errorf("unsupported type accepted: %v", err)
	}
	if _, err := ParseVariable(":float"); !errors.Is(err, ErrConfiguration) {
		t.Errorf("empty name accepted: %v", err)
	}
}
