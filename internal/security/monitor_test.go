package security

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/capability"
	"proctord/internal/clock"
	"proctord/internal/policy"
	"proctord/internal/sim"
)

type recorder struct {
	mu   sync.Mutex
	seen []policy.Violation
}

func (r *recorder) handle(v policy.Violation) {
	r.mu.Lock()
	r.seen = append(r.seen, v)
	r.mu.Unlock()
}

func (r *recorder) kinds() []policy.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]policy.Kind, 0, len(r.seen))
	for _, v := range r.seen {
		out = append(out, v.Kind)
	}
	return out
}

type fixture struct {
	bus      *sim.Bus
	history  *sim.History
	devtools *sim.Devtools
	clock    *clock.Mock
	monitor  *Monitor
	rec      *recorder
}

func newFixture() *fixture {
	f := &fixture{
		bus:      sim.NewBus(),
		history:  &sim.History{},
		devtools: &sim.Devtools{},
		clock:    clock.NewMock(time.Unix(1_700_000_000, 0)),
		rec:      &recorder{},
	}
	f.monitor = New(Config{
		Signals:  f.bus,
		History:  f.history,
		Devtools: f.devtools,
		Clock:    f.clock,
	})
	return f
}

func allPolicies() policy.Set {
	return policy.Set{
		RequireFullscreen:     true,
		PreventTabSwitch:      true,
		PreventInspection:     true,
		PreventBackNavigation: true,
		PreventPageReload:     true,
		PreventCopyPaste:      true,
		DetectFocusLoss:       true,
	}
}

func TestEnableInstallsOnlyRequiredListeners(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.monitor.Enable(policy.Set{PreventTabSwitch: true}, f.rec.handle))

	assert.Equal(t, 1, f.bus.TotalListeners())
	assert.Equal(t, 1, f.bus.Listeners(capability.SignalVisibilityHidden))
	assert.Zero(t, f.clock.Tickers(), "devtools probe must not run without PreventInspection")
	assert.Zero(t, f.history.Pushes())

	f.bus.Emit(capability.SignalCopy)
	f.bus.Emit(capability.SignalWindowBlur)
	assert.Empty(t, f.rec.kinds())
}

func TestDisableRemovesEveryListener(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.monitor.Enable(allPolicies(), f.rec.handle))
	require.NotZero(t, f.bus.TotalListeners())
	require.Equal(t, 1, f.clock.Tickers())

	f.monitor.Disable()
	f.monitor.Disable()

	assert.Zero(t, f.bus.TotalListeners())
	assert.Zero(t, f.clock.Tickers())
	assert.False(t, f.monitor.Enabled())

	f.bus.Emit(capability.SignalVisibilityHidden)
	assert.Empty(t, f.rec.kinds())
}

func TestEnableTwice(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.monitor.Enable(allPolicies(), f.rec.handle))
	assert.ErrorIs(t, f.monitor.Enable(allPolicies(), f.rec.handle), ErrAlreadyEnabled)

	f.monitor.Disable()
	assert.NoError(t, f.monitor.Enable(allPolicies(), f.rec.handle))
}

func TestSignalsMapToViolations(t *testing.T) {
	tests := []struct {
		name      string
		emit      func(*sim.Bus) *capability.Signal
		want      []policy.Kind
		prevented bool
	}{
		{
			name: "visibility hidden",
			emit: func(b *sim.Bus) *capability.Signal { return b.Emit(capability.SignalVisibilityHidden) },
			want: []policy.Kind{policy.KindTabSwitch},
		},
		{
			name: "visibility visible is ignored",
			emit: func(b *sim.Bus) *capability.Signal { return b.Emit(capability.SignalVisibilityVisible) },
		},
		{
			name: "window blur",
			emit: func(b *sim.Bus) *capability.Signal { return b.Emit(capability.SignalWindowBlur) },
			want: []policy.Kind{policy.KindFocusLost},
		},
		{
			name: "fullscreen exit",
			emit: func(b *sim.Bus) *capability.Signal { return b.EmitFullscreen(false) },
			want: []policy.Kind{policy.KindFullscreenExit},
		},
		{
			name: "fullscreen enter is ignored",
			emit: func(b *sim.Bus) *capability.Signal { return b.EmitFullscreen(true) },
		},
		{
			name:      "F12",
			emit:      func(b *sim.Bus) *capability.Signal { return b.EmitKey(capability.Key{Key: "F12"}) },
			want:      []policy.Kind{policy.KindInspectionAttempt},
			prevented: true,
		},
		{
			name:      "ctrl shift i",
			emit:      func(b *sim.Bus) *capability.Signal { return b.EmitKey(capability.Key{Key: "i", Ctrl: true, Shift: true}) },
			want:      []policy.Kind{policy.KindInspectionAttempt},
			prevented: true,
		},
		{
			name:      "ctrl shift j",
			emit:      func(b *sim.Bus) *capability.Signal { return b.EmitKey(capability.Key{Key: "J", Ctrl: true, Shift: true}) },
			want:      []policy.Kind{policy.KindInspectionAttempt},
			prevented: true,
		},
		{
			name:      "ctrl u",
			emit:      func(b *sim.Bus) *capability.Signal { return b.EmitKey(capability.Key{Key: "u", Ctrl: true}) },
			want:      []policy.Kind{policy.KindInspectionAttempt},
			prevented: true,
		},
		{
			name: "plain key",
			emit: func(b *sim.Bus) *capability.Signal { return b.EmitKey(capability.Key{Key: "a"}) },
		},
		{
			name:      "F5",
			emit:      func(b *sim.Bus) *capability.Signal { return b.EmitKey(capability.Key{Key: "F5"}) },
			want:      []policy.Kind{policy.KindReloadAttempt},
			prevented: true,
		},
		{
			name:      "context menu is suppressed silently",
			emit:      func(b *sim.Bus) *capability.Signal { return b.Emit(capability.SignalContextMenu) },
			prevented: true,
		},
		{
			name: "pop state",
			emit: func(b *sim.Bus) *capability.Signal { return b.Emit(capability.SignalPopState) },
			want: []policy.Kind{policy.KindNavigationAttempt},
		},
		{
			name:      "before unload",
			emit:      func(b *sim.Bus) *capability.Signal { return b.Emit(capability.SignalBeforeUnload) },
			want:      []policy.Kind{policy.KindReloadAttempt},
			prevented: true,
		},
		{
			name:      "paste",
			emit:      func(b *sim.Bus) *capability.Signal { return b.Emit(capability.SignalPaste) },
			want:      []policy.Kind{policy.KindClipboardAttempt},
			prevented: true,
		},
		{
			name:      "select start is suppressed silently",
			emit:      func(b *sim.Bus) *capability.Signal { return b.Emit(capability.SignalSelectStart) },
			prevented: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			require.NoError(t, f.monitor.Enable(allPolicies(), f.rec.handle))
			defer f.monitor.Disable()

			s := tt.emit(f.bus)
			if tt.want == nil {
				assert.Empty(t, f.rec.kinds())
			} else {
				assert.Equal(t, tt.want, f.rec.kinds())
			}
			assert.Equal(t, tt.prevented, s.Prevented())
		})
	}
}

func TestBackNavigationRepushesHistory(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.monitor.Enable(policy.Set{PreventBackNavigation: true}, f.rec.handle))
	assert.Equal(t, 1, f.history.Pushes())

	f.bus.Emit(capability.SignalPopState)
	assert.Equal(t, 2, f.history.Pushes())
}

func TestDevtoolsProbeIsEdgeTriggered(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.monitor.Enable(policy.Set{PreventInspection: true}, f.rec.handle))
	defer f.monitor.Disable()

	now := f.clock.Now()
	f.monitor.probeDevtools(now)
	assert.Empty(t, f.rec.kinds())

	f.devtools.SetOpen(true)
	f.monitor.probeDevtools(now)
	f.monitor.probeDevtools(now)
	assert.Equal(t, []policy.Kind{policy.KindInspectionAttempt}, f.rec.kinds())

	f.devtools.SetOpen(false)
	f.monitor.probeDevtools(now)
	f.devtools.SetOpen(true)
	f.monitor.probeDevtools(now)
	assert.Len(t, f.rec.kinds(), 2)
}
