package incidents

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/technosupport/ts-utm/internal/data"
)

func newIncident() data.Incident {
	return data.Incident{
		EventID:       uuid.New(),
		DroneID:       "drone-1",
		EmergencyType: data.TypeBatteryLow,
		Severity:      data.SeverityWarning,
		Message:       "Battery low at 24.0%",
	}
}

func TestStore_CreateStartsActive(t *testing.T) {
	var changes []data.Incident
	s := NewStore(func(inc data.Incident) { changes = append(changes, inc) })

	in := newIncident()
	in.Status = data.IncidentResolved
	inc := s.Create(in)

	assert.NotEqual(t, uuid.Nil, inc.ID)
	assert.Equal(t, data.IncidentActive, inc.Status)
	require.Len(t, inc.Timeline, 1)
	assert.Equal(t, "created", inc.Timeline[0].Event)
	require.Len(t, changes, 1)
	assert.Equal(t, inc.ID, changes[0].ID)
}

func TestStore_TransitionFollowsStateMachine(t *testing.T) {
	s := NewStore(nil)
	inc := s.Create(newIncident())

	_, err := s.Transition(inc.ID, data.IncidentPendingConfirmation, nil)
	require.NoError(t, err)

	_, err = s.Transition(inc.ID, data.IncidentActive, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := s.Transition(inc.ID, data.IncidentExecuting, func(i *data.Incident) {
		i.AddTimeline(time.Now(), "executing", nil)
	})
	require.NoError(t, err)
	assert.Equal(t, data.IncidentExecuting, got.Status)
	assert.Len(t, got.Timeline, 2)

	_, err = s.Transition(inc.ID, data.IncidentEscalated, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition, "executing cannot escalate")

	_, err = s.Transition(inc.ID, data.IncidentResolved, nil)
	require.NoError(t, err)

	_, err = s.Transition(inc.ID, data.IncidentResolved, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition, "resolved is terminal")
}

func TestStore_TransitionFromGuard(t *testing.T) {
	s := NewStore(nil)
	inc := s.Create(newIncident())

	_, err := s.Transition(inc.ID, data.IncidentExecuting, nil, data.IncidentPendingConfirmation)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	cur, _ := s.Get(inc.ID)
	assert.Equal(t, data.IncidentActive, cur.Status, "failed guard leaves state alone")

	_, err = s.Transition(uuid.New(), data.IncidentResolved, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ConcurrentClaimHasOneWinner(t *testing.T) {
	s := NewStore(nil)
	inc := s.Create(newIncident())
	_, err := s.Transition(inc.ID, data.IncidentPendingConfirmation, nil)
	require.NoError(t, err)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := data.IncidentExecuting
			if i%2 == 0 {
				to = data.IncidentEscalated
			}
			if _, err := s.Transition(inc.ID, to, nil, data.IncidentPendingConfirmation); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := NewStore(nil)
	inc := s.Create(newIncident())

	got, _ := s.Get(inc.ID)
	got.Timeline[0].Event = "tampered"
	got.Message = "tampered"

	again, _ := s.Get(inc.ID)
	assert.Equal(t, "created", again.Timeline[0].Event)
	assert.NotEqual(t, "tampered", again.Message)
}

func TestStore_UpdateKeepsStatus(t *testing.T) {
	s := NewStore(nil)
	inc := s.Create(newIncident())

	got, err := s.Update(inc.ID, func(i *data.Incident) {
		i.Status = data.IncidentResolved
		i.ResponseAction = data.ActionHover
	})
	require.NoError(t, err)
	assert.Equal(t, data.IncidentActive, got.Status)
	assert.Equal(t, data.ActionHover, got.ResponseAction)
}

func TestStore_RecordInvestigation(t *testing.T) {
	var changes []data.Incident
	s := NewStore(func(inc data.Incident) { changes = append(changes, inc) })
	inc := s.Create(newIncident())
	review := data.Investigation{RootCause: "cell imbalance", LessonsLearned: "retire pack after 300 cycles"}

	_, err := s.RecordInvestigation(inc.ID, review, "sup-1")
	assert.ErrorIs(t, err, ErrStillOpen)

	_, err = s.RecordInvestigation(uuid.New(), review, "sup-1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Transition(inc.ID, data.IncidentEscalated, nil)
	require.NoError(t, err)

	got, err := s.RecordInvestigation(inc.ID, review, "sup-1")
	require.NoError(t, err)
	assert.Equal(t, data.IncidentEscalated, got.Status)
	assert.Equal(t, "cell imbalance", got.RootCause)
	assert.Equal(t, "retire pack after 300 cycles", got.LessonsLearned)
	assert.Equal(t, "investigation_recorded", got.Timeline[len(got.Timeline)-1].Event)
	assert.Equal(t, "cell imbalance", changes[len(changes)-1].RootCause, "persisted through onChange")
}

func TestStore_ListAndPrune(t *testing.T) {
	s := NewStore(nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Minute) }

	a := s.Create(newIncident())
	b := s.Create(newIncident())
	_, err := s.Transition(a.ID, data.IncidentResolved, nil)
	require.NoError(t, err)

	all := s.List("", 0)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID, "newest first")

	resolved := s.List(data.IncidentResolved, 10)
	require.Len(t, resolved, 1)
	assert.Equal(t, a.ID, resolved[0].ID)

	assert.Len(t, s.OpenForDrone("drone-1"), 1)

	assert.Equal(t, 1, s.Prune(base.Add(time.Hour)))
	_, err = s.Get(a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(b.ID)
	assert.NoError(t, err)
}

func TestPersister_WritesInOrder(t *testing.T) {
	repo := new(MockIncidentRepo)
	var mu sync.Mutex
	var seen []data.IncidentStatus
	repo.On("UpsertIncident", mock.Anything, mock.AnythingOfType("*data.Incident")).
		Run(func(args mock.Arguments) {
			mu.Lock()
			seen = append(seen, args.Get(1).(*data.Incident).Status)
			mu.Unlock()
		}).Return(nil)

	p := NewPersister(repo, nil, nil, PersisterConfig{QueueSize: 16})
	p.Start(context.Background())

	s := NewStore(p.Enqueue)
	inc := s.Create(newIncident())
	_, _ = s.Transition(inc.ID, data.IncidentPendingConfirmation, nil)
	_, _ = s.Transition(inc.ID, data.IncidentExecuting, nil)
	_, _ = s.Transition(inc.ID, data.IncidentResolved, nil)
	p.Close()

	assert.Equal(t, []data.IncidentStatus{
		data.IncidentActive,
		data.IncidentPendingConfirmation,
		data.IncidentExecuting,
		data.IncidentResolved,
	}, seen)
	repo.AssertNumberOfCalls(t, "UpsertIncident", 4)
}

func TestPersister_DropsWhenQueueFull(t *testing.T) {
	repo := new(MockIncidentRepo)
	p := NewPersister(repo, nil, nil, PersisterConfig{QueueSize: 1})

	// Not started: the first snapshot fills the queue, the second is dropped.
	p.Enqueue(newIncident())
	p.Enqueue(newIncident())
	assert.Len(t, p.queue, 1)

	repo.On("UpsertIncident", mock.Anything, mock.Anything).Return(nil)
	p.Start(context.Background())
	p.Close()
	repo.AssertNumberOfCalls(t, "UpsertIncident", 1)

	p.Enqueue(newIncident())
}

func TestPersister_SpoolsAndReplays(t *testing.T) {
	spool, err := NewSpool(t.TempDir(), 1)
	require.NoError(t, err)

	failing := new(MockIncidentRepo)
	failing.On("UpsertIncident", mock.Anything, mock.Anything).Return(errors.New("connection refused"))

	p := NewPersister(failing, spool, nil, PersisterConfig{ReplayInterval: time.Hour})
	p.Start(context.Background())
	inc := newIncident()
	inc.ID = uuid.New()
	p.Enqueue(inc)
	p.Close()

	recovered := new(MockIncidentRepo)
	recovered.On("UpsertIncident", mock.Anything, mock.MatchedBy(func(i *data.Incident) bool {
		return i.ID == inc.ID
	})).Return(nil).Once()

	p2 := NewPersister(recovered, spool, nil, PersisterConfig{})
	p2.replay(context.Background())
	recovered.AssertExpectations(t)

	flushed, err := spool.Replay(context.Background(), func(context.Context, data.Incident) error { return nil })
	require.NoError(t, err)
	assert.Zero(t, flushed, "spool drained")
}

func TestSpool_FailedReplayIsRespooled(t *testing.T) {
	spool, err := NewSpool(t.TempDir(), 1)
	require.NoError(t, err)
	require.NoError(t, spool.Append(newIncident()))
	require.NoError(t, spool.Append(newIncident()))

	flushed, err := spool.Replay(context.Background(), func(context.Context, data.Incident) error {
		return errors.New("still down")
	})
	require.NoError(t, err)
	assert.Zero(t, flushed)

	var count int
	flushed, err = spool.Replay(context.Background(), func(context.Context, data.Incident) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, flushed)
	assert.Equal(t, 2, count)
}
