package system

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeService struct {
	name        string
	startErr    error
	stopDelay   time.Duration
	startCalled bool
	stopCalled  bool
}

func (f *fakeService) Name() string { return f.name }
func (f *fakeService) Start(ctx context.Context) error {
	f.startCalled = true
	return f.startErr
}
func (f *fakeService) Stop(ctx context.Context) error {
	if f.stopDelay > 0 {
		time.Sleep(f.stopDelay)
	}
	f.stopCalled = true
	return nil
}

func TestManagerStartsAllServicesInOrder(t *testing.T) {
	m := NewManager()
	a := &fakeService{name: "a"}
	b := &fakeService{name: "b"}
	m.Register(a)
	m.Register(b)

	require.NoError(t, m.Start(context.Background()))
	require.True(t, a.startCalled)
	require.True(t, b.startCalled)
}

func TestManagerUnwindsOnStartFailure(t *testing.T) {
	m := NewManager()
	a := &fakeService{name: "a"}
	b := &fakeService{name: "b", startErr: errors.New("boom")}
	m.Register(a)
	m.Register(b)

	err := m.Start(context.Background())
	require.Error(t, err)
	require.True(t, a.startCalled)
	require.True(t, a.stopCalled)
	require.False(t, b.stopCalled)
}

func TestShutdownStopsInReverseOrder(t *testing.T) {
	m := NewManager()
	var order []string
	var mu orderTracker
	a := &orderedService{name: "a", order: &mu, log: &order}
	b := &orderedService{name: "b", order: &mu, log: &order}
	m.Register(a)
	m.Register(b)

	require.NoError(t, m.Start(context.Background()))
	m.Shutdown(context.Background(), time.Second)

	require.Equal(t, []string{"b", "a"}, order)
}

func TestShutdownIsIdempotent(t *testing.T) {
	m := NewManager()
	a := &fakeService{name: "a"}
	m.Register(a)
	require.NoError(t, m.Start(context.Background()))

	results1 := m.Shutdown(context.Background(), time.Second)
	results2 := m.Shutdown(context.Background(), time.Second)

	require.Len(t, results1, 1)
	require.Nil(t, results2)
}

func TestShutdownReturnsAfterDeadlineEvenIfStopHangs(t *testing.T) {
	m := NewManager()
	a := &fakeService{name: "a", stopDelay: 500 * time.Millisecond}
	m.Register(a)
	require.NoError(t, m.Start(context.Background()))

	start := time.Now()
	m.Shutdown(context.Background(), 20*time.Millisecond)
	require.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestCollectDescriptorsSortsByLayerThenName(t *testing.T) {
	services := []Service{
		describedService{name: "svc1", layer: "engine"},
		describedService{name: "svc2", layer: "ingress"},
		describedService{name: "svc3", layer: "engine"},
		&fakeService{name: "undescribed"},
	}
	got := CollectDescriptors(services)
	require.Len(t, got, 3)
	require.Equal(t, "svc1", got[0].Name)
	require.Equal(t, "svc3", got[1].Name)
	require.Equal(t, "svc2", got[2].Name)
}

type orderTracker struct{}

type orderedService struct {
	name  string
	order *orderTracker
	log   *[]string
}

func (o *orderedService) Name() string                      { return o.name }
func (o *orderedService) Start(ctx context.Context) error    { return nil }
func (o *orderedService) Stop(ctx context.Context) error {
	*o.log = append(*o.log, o.name)
	return nil
}

type describedService struct {
	name  string
	layer string
}

func (d describedService) Name() string                   { return d.name }
func (d describedService) Start(ctx context.Context) error { return nil }
func (d describedService) Stop(ctx context.Context) error  { return nil }
func (d describedService) Descriptor() Descriptor {
	return Descriptor{Name: d.name, Layer: d.layer}
}
