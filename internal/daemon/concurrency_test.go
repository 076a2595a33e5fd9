package daemon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/vmd/internal/image"
	"github.com/javanstorm/vmd/pkg/hypervisor"
)

// gate parks callers until opened and reports when the first one arrives.
type gate struct {
	arrived chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate(t *testing.T) *gate {
	g := &gate{arrived: make(chan struct{}, 1), release: make(chan struct{})}
	t.Cleanup(g.open)
	return g
}

func (g *gate) park() {
	select {
	case g.arrived <- struct{}{}:
	default:
	}
	<-g.release
}

func (g *gate) open() { g.once.Do(func() { close(g.release) }) }

func (g *gate) awaitArrival(t *testing.T) {
	t.Helper()
	select {
	case <-g.arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("nothing reached the gate")
	}
}

// finishes fails the test when fn does not return within a second.
func finishes(t *testing.T, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("%s blocked", what)
	}
}

func TestFindDoesNotBlockOtherCommands(t *testing.T) {
	f := newFixture(t)
	d := f.daemon()
	f.create(d, "foo")

	g := newGate(t)
	f.vault.OnAllInfoFor = func(image.Query) ([]image.Info, error) {
		g.park()
		return []image.Info{{Aliases: []string{"jammy"}, Release: "jammy", ReleaseTitle: "22.04 LTS"}}, nil
	}
	found := make(chan error, 1)
	go func() {
		_, err := d.Find(context.Background(), FindRequest{SearchString: "jammy"})
		found <- err
	}()
	g.awaitArrival(t)

	finishes(t, "create", func() {
		_, err := d.Create(context.Background(), CreateRequest{InstanceName: "other"})
		assert.NoError(t, err)
	})
	finishes(t, "list", func() {
		reply, err := d.List(context.Background(), InstanceNames{})
		if assert.NoError(t, err) {
			assert.Len(t, reply.Instances, 2)
		}
	})

	g.open()
	require.NoError(t, <-found)
}

func TestCommandsStayResponsiveDuringLaunch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.daemon()
	f.create(d, "foo")

	g := newGate(t)
	f.backend.OnPrepareInstance = func(hypervisor.Image, hypervisor.Description) error {
		g.park()
		return nil
	}
	launched := make(chan error, 1)
	go func() {
		_, err := d.Launch(ctx, CreateRequest{InstanceName: "slow"})
		launched <- err
	}()
	g.awaitArrival(t)

	finishes(t, "list", func() {
		reply, err := d.List(ctx, InstanceNames{})
		if assert.NoError(t, err) {
			assert.Len(t, reply.Instances, 1, "instances being created are not listed")
		}
	})
	finishes(t, "info", func() {
		_, err := d.Info(ctx, InstanceNames{InstanceNames: []string{"foo"}})
		assert.NoError(t, err)
	})
	finishes(t, "start", func() {
		_, err := d.Start(ctx, InstanceNames{InstanceNames: []string{"foo"}})
		assert.NoError(t, err)
	})
	finishes(t, "stop", func() {
		_, err := d.Stop(ctx, StopRequest{InstanceNames: []string{"foo"}})
		assert.NoError(t, err)
	})
	finishes(t, "duplicate create", func() {
		_, err := d.Create(ctx, CreateRequest{InstanceName: "slow"})
		if e, ok := err.(*Error); assert.True(t, ok, "want *Error, got %T", err) {
			assert.Equal(t, CodeAlreadyExists, e.Code)
		}
	})

	g.open()
	require.NoError(t, <-launched)
	assert.Equal(t, "Running", stateOf(t, d, "slow"))
}

func TestConcurrentCreatesClaimAnExplicitMACOnce(t *testing.T) {
	const mac = "52:54:00:aa:bb:cc"
	ctx := context.Background()
	f := newFixture(t)
	g := newGate(t)
	f.backend.OnPrepareInstance = func(hypervisor.Image, hypervisor.Description) error {
		g.park()
		return nil
	}
	d := f.daemon()

	results := make(chan error, 2)
	for _, name := range []string{"alpha", "beta"} {
		name := name
		go func() {
			_, err := d.Create(ctx, CreateRequest{
				InstanceName: name,
				Networks:     []NetworkOption{{ID: "eth0", MACAddress: mac}},
			})
			results <- err
		}()
	}

	// the loser fails on the claim while the winner is parked
	select {
	case err := <-results:
		requireCode(t, err, CodeInvalidArgument)
	case <-time.After(5 * time.Second):
		t.Fatal("neither create failed")
	}
	g.open()
	require.NoError(t, <-results)

	var winners []string
	for _, name := range []string{"alpha", "beta"} {
		if d.store.Has(name) {
			winners = append(winners, name)
		}
	}
	require.Len(t, winners, 1)
	rec, err := d.store.Get(winners[0])
	require.NoError(t, err)
	require.Len(t, rec.ExtraInterfaces, 1)
	assert.Equal(t, mac, rec.ExtraInterfaces[0].MACAddress)

	assert.True(t, d.macs.InUse(mac))
	assert.Equal(t, 2, d.macs.Len(), "only the winner's claims remain")
}

func TestRecoverWaitsForPurgeInProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.daemon()
	f.create(d, "foo")
	_, err := d.Delete(ctx, DeleteRequest{InstanceNames: []string{"foo"}})
	require.NoError(t, err)

	g := newGate(t)
	f.backend.OnRemove = func(string) { g.park() }
	purged := make(chan error, 1)
	go func() {
		_, err := d.Purge(ctx, InstanceNames{})
		purged <- err
	}()
	g.awaitArrival(t)

	recovered := make(chan error, 1)
	go func() {
		_, err := d.Recover(ctx, InstanceNames{InstanceNames: []string{"foo"}})
		recovered <- err
	}()
	select {
	case err := <-recovered:
		t.Fatalf("recover returned while the purge was running: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	g.open()
	require.NoError(t, <-purged)
	requireCode(t, <-recovered, CodeNotFound)

	assert.False(t, d.store.Has("foo"))
	assert.Equal(t, 0, d.macs.Len())
	_, _, err = d.lookup("foo")
	requireCode(t, err, CodeNotFound)
}

func TestRecoverBeforePurgeKeepsInstance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.daemon()
	f.create(d, "foo")
	_, err := d.Delete(ctx, DeleteRequest{InstanceNames: []string{"foo"}})
	require.NoError(t, err)

	_, err = d.Recover(ctx, InstanceNames{InstanceNames: []string{"foo"}})
	require.NoError(t, err)
	_, err = d.Purge(ctx, InstanceNames{})
	require.NoError(t, err)

	assert.True(t, d.store.Has("foo"))
	assert.Empty(t, f.backend.Removed)
	_, err = d.Start(ctx, InstanceNames{InstanceNames: []string{"foo"}})
	require.NoError(t, err)
}
