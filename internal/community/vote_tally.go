package community

import (
	"context"
	"fmt"
	"maps"
	"sort"

	"github.com/commonground/eventline/event"
	"github.com/commonground/eventline/projection"
)

// VoteTallyGroup is the consumer group of the VoteTally projection.
const VoteTallyGroup = "vote-tally"

// VoteTallyEventTypes are the Event types the VoteTally projection is interested in.
var VoteTallyEventTypes = []string{
	PostCreatedType,
	VoteCastType,
	PostEditedType,
	LinkAnalysisRequestedType,
	LinkAnalysisCompletedType,
}

// PostSummary is the entry of a Post in the VoteTally read model.
type PostSummary struct {
	PostID     string     `json:"postId"`
	Title      string     `json:"title"`
	Score      int        `json:"score"`
	Votes      int        `json:"votes"`
	LinkStatus LinkStatus `json:"linkStatus,omitempty"`
}

// tallyUpdate is the change an Event makes to a PostSummary.
type tallyUpdate struct {
	postID     string
	title      string
	vote       int
	linkStatus LinkStatus
}

func (u tallyUpdate) applyTo(summary PostSummary) PostSummary {
	summary.PostID = u.postID

	if u.title != "" {
		summary.Title = u.title
	}

	if u.vote != 0 {
		summary.Score += u.vote
		summary.Votes++
	}

	if u.linkStatus != LinkUnknown {
		summary.LinkStatus = u.linkStatus
	}

	return summary
}

// tallyUpdateOf decodes the change of the Event, or returns false for
// Events the VoteTally is not interested in.
func tallyUpdateOf(record event.Record) (tallyUpdate, bool, error) {
	postID, ok := PostType.AggregateID(record.StreamID)
	if !ok {
		postID, ok = LinkType.AggregateID(record.StreamID)
	}

	if !ok {
		return tallyUpdate{}, false, nil
	}

	update := tallyUpdate{postID: postID}

	switch record.Type {
	case PostCreatedType:
		created, err := postCreatedSerde.Deserialize(record.Payload)
		if err != nil {
			return update, false, err
		}

		update.title = created.Title

	case PostEditedType:
		edited, err := postEditedSerde.Deserialize(record.Payload)
		if err != nil {
			return update, false, err
		}

		update.title = edited.Title

	case VoteCastType:
		vote, err := voteCastSerde.Deserialize(record.Payload)
		if err != nil {
			return update, false, err
		}

		update.vote = vote.Value

	case LinkAnalysisRequestedType:
		update.linkStatus = LinkRequested

	case LinkAnalysisCompletedType:
		update.linkStatus = LinkCompleted

	default:
		return update, false, nil
	}

	return update, true, nil
}

// VoteTally is an in-memory read model of the score of every Post.
type VoteTally struct {
	Posts map[string]PostSummary
}

// NewVoteTally returns an empty VoteTally.
func NewVoteTally() VoteTally {
	return VoteTally{Posts: make(map[string]PostSummary)}
}

// Clone returns a deep copy of the VoteTally.
func (t VoteTally) Clone() VoteTally {
	return VoteTally{Posts: maps.Clone(t.Posts)}
}

// Get returns the summary of a Post.
func (t VoteTally) Get(postID string) (PostSummary, bool) {
	summary, ok := t.Posts[postID]
	return summary, ok
}

// Top returns the n Posts with the highest score, ties broken by id.
func (t VoteTally) Top(n int) []PostSummary {
	summaries := make([]PostSummary, 0, len(t.Posts))
	for _, summary := range t.Posts {
		summaries = append(summaries, summary)
	}

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].Score != summaries[j].Score {
			return summaries[i].Score > summaries[j].Score
		}

		return summaries[i].PostID < summaries[j].PostID
	})

	if n >= 0 && n < len(summaries) {
		summaries = summaries[:n]
	}

	return summaries
}

// ApplyVoteTally applies an Event to the VoteTally.
var ApplyVoteTally = projection.ApplierFunc[*VoteTally](func(_ context.Context, tally *VoteTally, record event.Record) error {
	update, ok, err := tallyUpdateOf(record)
	if err != nil {
		return fmt.Errorf("community.VoteTally: failed to decode event %s, %w", record.ID, err)
	}

	if !ok {
		return nil
	}

	if tally.Posts == nil {
		tally.Posts = make(map[string]PostSummary)
	}

	tally.Posts[update.postID] = update.applyTo(tally.Posts[update.postID])

	return nil
})

// NewInMemoryVoteTally returns the Idempotent Projector of the VoteTally,
// with its in-memory ledger holding the read model.
func NewInMemoryVoteTally(
	opts ...projection.Option,
) (*projection.Projector[*VoteTally], *projection.InMemoryLedger[VoteTally]) {
	ledger := projection.NewInMemoryLedger(NewVoteTally(), VoteTally.Clone)
	opts = append([]projection.Option{projection.WithEventTypes(VoteTallyEventTypes...)}, opts...)

	return projection.NewProjector[*VoteTally](VoteTallyGroup, ledger, ApplyVoteTally, opts...), ledger
}
