package link

import (
	"context"
	"errors"
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"

	"github.com/autopeer-io/flightgate/internal/flight/core"
)

func simURI(t *testing.T, raw string) URI {
	t.Helper()
	u, err := ParseURI(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestSimReportsAttachedDecks(t *testing.T) {
	u := simURI(t, "sim://0?decks=flow")
	opts, err := SimOptionsFromURI(u)
	if err != nil {
		t.Fatal(err)
	}
	v := NewSimVehicle(u, opts)
	defer v.Release(context.Background())

	got := make(chan string, 2)
	for _, c := range []core.Capability{core.FlowDeck, core.MultirangerDeck} {
		if err := v.OnParameterUpdate(c.Group, c.Param, func(name, value string) { got <- name + "=" + value }); err != nil {
			t.Fatal(err)
		}
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case r := <-got:
			seen[r] = true
		case <-time.After(5 * time.Second):
			t.Fatal("no deck report")
		}
	}
	if !seen["deck.bcFlow2=1"] || !seen["deck.bcMultiranger=0"] {
		t.Errorf("reports = %v", seen)
	}
}

func TestSimReportDelay(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Unix(0, 0))
	opts := DefaultSimOptions()
	opts.Clock = fc
	opts.ReportDelay = 2 * time.Second
	v := NewSimVehicle(simURI(t, "sim://0"), opts)
	defer v.Release(context.Background())

	got := make(chan string, 1)
	_ = v.OnParameterUpdate("deck", "bcFlow2", func(_, value string) { got <- value })

	for !fc.HasWaiters() {
		time.Sleep(time.Millisecond)
	}
	select {
	case <-got:
		t.Fatal("deck reported before the delay")
	case <-time.After(20 * time.Millisecond):
	}

	fc.Step(2 * time.Second)
	select {
	case value := <-got:
		if value != "1" {
			t.Errorf("value = %q", value)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("deck never reported")
	}
}

func TestSimEchoesParameters(t *testing.T) {
	v := NewSimVehicle(simURI(t, "sim://0"), DefaultSimOptions())
	defer v.Release(context.Background())

	got := make(chan string, 4)
	_ = v.OnParameterUpdate("kalman", "detectionfactorFR", func(_, value string) { got <- value })
	<-got // current value

	if err := v.SetParameter(context.Background(), "kalman", "detectionfactorFR", "3.25"); err != nil {
		t.Fatal(err)
	}
	select {
	case value := <-got:
		if value != "3.25" {
			t.Errorf("echo = %q", value)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no echo")
	}
}

func TestSimLogBlockAndFlight(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Unix(0, 0))
	opts := DefaultSimOptions()
	opts.Clock = fc
	v := NewSimVehicle(simURI(t, "sim://0"), opts)
	defer v.Release(context.Background())

	samples := make(chan core.Sample, 8)
	cfg := core.LogConfig{
		Name:      "Position",
		Period:    10 * time.Millisecond,
		Variables: []core.Variable{{Name: "stateEstimate.x"}, {Name: "stateEstimate.z"}},
	}
	block, err := v.AddLogConfig(context.Background(), cfg, func(s core.Sample) { samples <- s })
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := v.Forward(ctx, 1); err == nil {
		t.Error("forward on the ground should fail")
	}
	_ = v.TakeOff(ctx, 0.6)
	_ = v.Forward(ctx, 2)

	if err := block.Start(ctx); err != nil {
		t.Fatal(err)
	}
	for !fc.HasWaiters() {
		time.Sleep(time.Millisecond)
	}
	fc.Step(10 * time.Millisecond)

	select {
	case s := <-samples:
		if s.Values["stateEstimate.x"] != 2 || s.Values["stateEstimate.z"] != 0.6 || s.Timestamp != 10 {
			t.Errorf("sample = %+v", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no sample")
	}

	if err := block.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := block.Stop(ctx); err != nil {
		t.Errorf("second stop = %v", err)
	}
}

func TestSimRejectsTooManyVariables(t *testing.T) {
	v := NewSimVehicle(simURI(t, "sim://0"), DefaultSimOptions())
	defer v.Release(context.Background())

	vars := make([]core.Variable, 7)
	for i := range vars {
		vars[i] = core.Variable{Name: string(rune('a' + i))}
	}
	if _, err := v.AddLogConfig(context.Background(), core.LogConfig{Name: "big", Period: 10 * time.Millisecond, Variables: vars}, func(core.Sample) {}); err == nil {
		t.Error("expected the vehicle to reject 7 variables")
	}
}

func TestSimRelease(t *testing.T) {
	v := NewSimVehicle(simURI(t, "sim://0"), DefaultSimOptions())
	ctx := context.Background()

	if err := v.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if err := v.Release(ctx); err != nil {
		t.Errorf("second release = %v", err)
	}
	if err := v.SetParameter(ctx, "kalman", "x", "1"); !errors.Is(err, ErrReleased) || !errors.Is(err, core.ErrLink) {
		t.Errorf("SetParameter after release = %v", err)
	}
}

func TestSimOptionsFromURI(t *testing.T) {
	opts, err := SimOptionsFromURI(simURI(t, "sim://0?decks=multiranger&delay=1s&drop-echoes=true"))
	if err != nil {
		t.Fatal(err)
	}
	if opts.Params["deck.bcFlow2"] != "0" || opts.Params["deck.bcMultiranger"] != "1" {
		t.Errorf("params = %v", opts.Params)
	}
	if opts.ReportDelay != time.Second || !opts.DropEchoes {
		t.Errorf("opts = %+v", opts)
	}

	for _, raw := range []string{"sim://0?decks=lighthouse", "sim://0?delay=soon", "sim://0?drop-echoes=maybe"} {
		if _, err := SimOptionsFromURI(simURI(t, raw)); !errors.Is(err, core.ErrConfiguration) {
			t.Errorf("%s: err = %v", raw, err)
		}
	}
}
