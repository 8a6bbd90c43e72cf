package community_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commonground/eventline/aggregate"
	"github.com/commonground/eventline/bus"
	"github.com/commonground/eventline/correlation"
	"github.com/commonground/eventline/event"
	"github.com/commonground/eventline/internal/community"
	"github.com/commonground/eventline/logger"
	"github.com/commonground/eventline/projection"
	"github.com/commonground/eventline/snapshot"
	"github.com/commonground/eventline/version"
)

type clock struct {
	mx  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mx.Lock()
	defer c.mx.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mx.Lock()
	defer c.mx.Unlock()

	c.now = c.now.Add(d)
}

// recorder is a bus.Handler keeping the delivered Records.
type recorder struct {
	mx      sync.Mutex
	records []event.Record
}

func (r *recorder) Handle(_ context.Context, record event.Record) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	r.records = append(r.records, record)

	return nil
}

func (r *recorder) Records() []event.Record {
	r.mx.Lock()
	defer r.mx.Unlock()

	return append([]event.Record(nil), r.records...)
}

type system struct {
	store   *event.InMemoryStore
	queue   *bus.InMemoryQueue
	bus     *bus.Bus
	clock   *clock
	service *community.Service
	tally   *projection.InMemoryLedger[community.VoteTally]
}

// newSystem wires the community Service, the link Analyzer and the VoteTally
// projection over in-memory stores, with the tally handler optionally wrapped.
func newSystem(t *testing.T, wrapTally func(bus.Handler) bus.Handler, opts ...aggregate.Option) system {
	t.Helper()

	store := event.NewInMemoryStore()
	queue := bus.NewInMemoryQueue()
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	b, err := bus.New(queue,
		bus.WithClock(c.Now),
		bus.WithLogger(logger.NewTest(t)),
		bus.WithRetryPolicy(bus.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute}),
	)
	require.NoError(t, err)

	appender := correlation.NewAppender(bus.PublishingAppender{Appender: store, Publisher: b}, nil)
	opts = append([]aggregate.Option{aggregate.WithLogger(logger.NewTest(t))}, opts...)
	service := community.NewService(event.FusedStore{Appender: appender, StreamReader: store}, opts...)

	projector, tally := community.NewInMemoryVoteTally(projection.WithLogger(logger.NewTest(t)))

	var tallyHandler bus.Handler = projector
	if wrapTally != nil {
		tallyHandler = wrapTally(projector)
	}

	require.NoError(t, b.Subscribe(community.AnalyzerGroup,
		[]string{community.LinkAnalysisRequestedType}, community.NewAnalyzer(service.Links)))
	require.NoError(t, b.Subscribe(community.VoteTallyGroup, community.VoteTallyEventTypes, tallyHandler))

	return system{store: store, queue: queue, bus: b, clock: c, service: service, tally: tally}
}

// drain dispatches the due Messages until none is left.
func (s system) drain(t *testing.T) {
	t.Helper()

	for range 20 {
		n, err := s.bus.DispatchOnce(context.Background())
		require.NoError(t, err)

		if n == 0 {
			return
		}
	}

	t.Fatal("bus not drained")
}

// A second creation of the same Event Stream is a conflict.
func TestAppendToNewStreamTwice(t *testing.T) {
	ctx := context.Background()
	store := event.NewInMemoryStore()

	created := record(t, community.PostCreatedType, community.PostCreated{Title: "X"})

	v, err := store.Append(ctx, "post-1", version.NoStream, created)
	require.NoError(t, err)
	assert.Equal(t, version.Version(0), v)

	_, err = store.Append(ctx, "post-1", version.NoStream,
		record(t, community.PostCreatedType, community.PostCreated{Title: "X"}))
	require.ErrorIs(t, err, version.ErrConflict)

	var conflict version.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, version.Version(0), conflict.Actual)

	records, err := store.ReadStream(ctx, "post-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, created.ID, records[0].ID)
}

func TestService_CreatePostTwice(t *testing.T) {
	ctx := context.Background()
	s := newSystem(t, nil)

	post, err := s.service.CreatePost(ctx, "1", "alice", "X", "")
	require.NoError(t, err)
	assert.Equal(t, version.Version(0), post.Version)

	_, err = s.service.CreatePost(ctx, "1", "bob", "Y", "")
	require.ErrorIs(t, err, version.ErrConflict)

	post, err = s.service.Post(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "alice", post.State.AuthorID)
}

// The analysis request and its completion are delivered in order,
// and share the correlation id of the command that started the chain.
func TestLinkAnalysisIsCorrelated(t *testing.T) {
	ctx := correlation.WithCorrelationID(context.Background(), "c1")

	var linkEvents recorder

	s := newSystem(t, nil)
	require.NoError(t, s.bus.Subscribe("link-status",
		[]string{community.LinkAnalysisRequestedType, community.LinkAnalysisCompletedType}, &linkEvents))

	_, err := s.service.CreatePost(ctx, "1", "alice", "X", "https://example.com/a?b=c")
	require.NoError(t, err)

	s.drain(t)

	received := linkEvents.Records()
	require.Len(t, received, 2)

	requested, completed := received[0], received[1]
	assert.Equal(t, community.LinkAnalysisRequestedType, requested.Type)
	assert.Equal(t, community.LinkAnalysisCompletedType, completed.Type)
	assert.Equal(t, "c1", requested.Metadata.CorrelationID)
	assert.Equal(t, "c1", completed.Metadata.CorrelationID)
	assert.Equal(t, requested.ID.String(), completed.Metadata.CausationID)

	link, err := s.service.Link(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, community.LinkCompleted, link.State.Status)
	assert.Equal(t, "example.com", link.State.Report["host"])

	summary, ok := s.tally.ReadModel().Get("1")
	require.True(t, ok)
	assert.Equal(t, community.LinkCompleted, summary.LinkStatus)
	assert.Equal(t, "X", summary.Title)
}

// The tally fails on the first two attempts, and applies
// the Event exactly once on the third.
func TestVoteTally_RetriedDelivery(t *testing.T) {
	ctx := context.Background()

	var failures int

	s := newSystem(t, func(next bus.Handler) bus.Handler {
		return bus.HandlerFunc(func(ctx context.Context, record event.Record) error {
			delivery, _ := bus.DeliveryFromContext(ctx)
			if record.Type == community.VoteCastType && delivery.Attempt < 3 {
				failures++
				return errors.New("read model unavailable")
			}

			return next.Handle(ctx, record)
		})
	})

	_, err := s.service.CreatePost(ctx, "1", "alice", "X", "")
	require.NoError(t, err)

	_, err = s.service.CastVote(ctx, "1", "bob", 1)
	require.NoError(t, err)

	s.drain(t)
	s.clock.Advance(time.Second)
	s.drain(t)
	s.clock.Advance(2 * time.Second)
	s.drain(t)

	assert.Equal(t, 2, failures)

	var vote bus.Message

	for _, msg := range s.queue.Messages(community.VoteTallyGroup) {
		if msg.Event.Type == community.VoteCastType {
			vote = msg
		}
	}

	assert.Equal(t, bus.StatusAcked, vote.Status)
	assert.Equal(t, 3, vote.DeliveryAttempt)

	dead, err := s.bus.DeadLetters(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, dead)

	summary, ok := s.tally.ReadModel().Get("1")
	require.True(t, ok)
	assert.Equal(t, 1, summary.Score)
	assert.Equal(t, 1, summary.Votes)
	assert.Len(t, s.tally.Entries(community.VoteTallyGroup), 2)
}

func TestVoteTally_Redelivery(t *testing.T) {
	ctx := context.Background()
	projector, tally := community.NewInMemoryVoteTally()

	created := record(t, community.PostCreatedType, community.PostCreated{AuthorID: "alice", Title: "X"})
	created.StreamID = "post-1"

	vote := record(t, community.VoteCastType, community.VoteCast{VoterID: "bob", Value: -1})
	vote.StreamID = "post-1"

	other := record(t, community.PostCreatedType, community.PostCreated{AuthorID: "bob", Title: "Y"})
	other.StreamID = "post-2"

	for _, r := range []event.Record{created, vote, vote, other, vote, created} {
		require.NoError(t, projector.Handle(ctx, r))
	}

	model := tally.ReadModel()
	assert.Equal(t, []community.PostSummary{
		{PostID: "2", Title: "Y"},
		{PostID: "1", Title: "X", Score: -1, Votes: 1},
	}, model.Top(10))
	assert.Len(t, model.Top(1), 1)
	assert.Len(t, tally.Entries(community.VoteTallyGroup), 3)
}

func TestService_Snapshots(t *testing.T) {
	ctx := context.Background()
	snapshots := snapshot.NewInMemoryStore()
	s := newSystem(t, nil, aggregate.WithSnapshots(snapshot.NewManager(snapshots, snapshot.WithInterval(2))))

	_, err := s.service.CreatePost(ctx, "1", "alice", "X", "")
	require.NoError(t, err)

	for _, voter := range []string{"bob", "carol", "dave"} {
		_, err := s.service.CastVote(ctx, "1", voter, 1)
		require.NoError(t, err)
	}

	_, err = s.service.CastVote(ctx, "1", "bob", 1)
	require.ErrorIs(t, err, community.ErrAlreadyVoted)

	latest, err := snapshots.Latest(ctx, community.PostType.Name(), "1")
	require.NoError(t, err)
	assert.Equal(t, version.Version(3), latest.Version)

	post, err := s.service.Post(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 3, post.State.Score)
	assert.Equal(t, version.Version(3), post.Version)

	edited, err := s.service.EditPost(ctx, "1", "alice", "Z")
	require.NoError(t, err)
	assert.Equal(t, "Z", edited.State.Title)

	_, err = s.service.EditPost(ctx, "1", "bob", "W")
	require.ErrorIs(t, err, community.ErrNotPostAuthor)
}

// Votes are folded in place on a clone: the state passed to Save is
// left as it was, whether the save succeeds or conflicts.
func TestService_SaveLeavesCallerStateUntouched(t *testing.T) {
	ctx := context.Background()
	s := newSystem(t, nil)

	_, err := s.service.CreatePost(ctx, "1", "alice", "X", "")
	require.NoError(t, err)

	loaded, err := s.service.Posts.Load(ctx, "1")
	require.NoError(t, err)

	votes, err := community.CastVote("bob", 1)(loaded)
	require.NoError(t, err)

	saved, err := s.service.Posts.Save(ctx, loaded, votes...)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"bob": 1}, saved.State.Votes)
	assert.Empty(t, loaded.State.Votes)

	stale, err := community.CastVote("carol", 1)(loaded)
	require.NoError(t, err)

	_, err = s.service.Posts.Save(ctx, loaded, stale...)
	require.ErrorIs(t, err, version.ErrConflict)
	assert.Empty(t, loaded.State.Votes)
	assert.Equal(t, map[string]int{"bob": 1}, saved.State.Votes)
}
