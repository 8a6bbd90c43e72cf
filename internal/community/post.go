// Package community contains a small domain example, of posts receiving
// votes and having their links analyzed by another service, built on top
// of the aggregate, bus and projection packages.
package community

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"strings"

	"github.com/commonground/eventline/aggregate"
	"github.com/commonground/eventline/event"
	"github.com/commonground/eventline/serde"
)

// Source is the name of the producing service stamped on the Events of this package.
const Source = "community"

// Post Event types.
var (
	PostCreatedType = event.TypeName("community", "post", "created")
	VoteCastType    = event.TypeName("community", "vote", "cast")
	PostEditedType  = event.TypeName("community", "post", "edited")
)

// Errors returned by the Post deciders.
var (
	ErrPostExists    = errors.New("community: post already exists")
	ErrPostNotFound  = errors.New("community: post not found")
	ErrEmptyTitle    = errors.New("community: post title is required")
	ErrInvalidURL    = errors.New("community: invalid post url")
	ErrInvalidVote   = errors.New("community: vote must be either +1 or -1")
	ErrAlreadyVoted  = errors.New("community: vote already cast")
	ErrNotPostAuthor = errors.New("community: only the author can edit a post")
)

// PostCreated is the domain event fired after a Post is created.
type PostCreated struct {
	AuthorID string `json:"authorId"`
	Title    string `json:"title"`
	URL      string `json:"url,omitempty"`
}

// VoteCast is the domain event fired after a vote on a Post.
type VoteCast struct {
	VoterID string `json:"voterId"`
	Value   int    `json:"value"`
}

// PostEdited is the domain event fired after the title of a Post changes.
type PostEdited struct {
	Title string `json:"title"`
}

// Post is the state of the Post aggregate.
type Post struct {
	AuthorID string         `json:"authorId"`
	Title    string         `json:"title"`
	URL      string         `json:"url,omitempty"`
	Score    int            `json:"score"`
	Votes    map[string]int `json:"votes"`
}

func newPost() Post { return Post{Votes: make(map[string]int)} }

var _ aggregate.Cloner[Post] = Post{}

// Clone implements aggregate.Cloner: folding a vote updates Votes in place.
func (p Post) Clone() Post {
	p.Votes = maps.Clone(p.Votes)
	return p
}

var (
	postCreatedSerde = serde.NewJSON(func() PostCreated { return PostCreated{} })
	voteCastSerde    = serde.NewJSON(func() VoteCast { return VoteCast{} })
	postEditedSerde  = serde.NewJSON(func() PostEdited { return PostEdited{} })
)

// PostType is the aggregate.Type of Posts, whose Event Streams are "post-<id>".
var PostType = aggregate.MustType("post", newPost, serde.NewJSON(newPost),
	aggregate.On(PostCreatedType, postCreatedSerde, func(p Post, evt PostCreated, _ event.Record) (Post, error) {
		p.AuthorID = evt.AuthorID
		p.Title = evt.Title
		p.URL = evt.URL

		return p, nil
	}),
	aggregate.On(VoteCastType, voteCastSerde, func(p Post, evt VoteCast, _ event.Record) (Post, error) {
		if p.Votes == nil {
			p.Votes = make(map[string]int)
		}

		p.Votes[evt.VoterID] = evt.Value
		p.Score += evt.Value

		return p, nil
	}),
	aggregate.On(PostEditedType, postEditedSerde, func(p Post, evt PostEdited, _ event.Record) (Post, error) {
		p.Title = evt.Title
		return p, nil
	}),
)

func newRecord[P any](eventType string, s serde.Serializer[P], payload P) (event.Record, error) {
	data, err := s.Serialize(payload)
	if err != nil {
		return event.Record{}, fmt.Errorf("community: failed to serialize %s, %w", eventType, err)
	}

	return event.New(eventType, data, event.Metadata{Source: Source}), nil
}

func validateURL(raw string) error {
	if raw == "" {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q, expected an absolute http(s) url", ErrInvalidURL, raw)
	}

	return nil
}

// CreatePost decides the creation of a new Post.
func CreatePost(authorID, title, rawURL string) aggregate.Decider[Post] {
	return func(current aggregate.Loaded[Post]) ([]event.Record, error) {
		if current.Exists() {
			return nil, ErrPostExists
		}

		trimmed := strings.TrimSpace(title)
		if trimmed == "" {
			return nil, ErrEmptyTitle
		}

		if err := validateURL(rawURL); err != nil {
			return nil, err
		}

		record, err := newRecord(PostCreatedType, postCreatedSerde, PostCreated{
			AuthorID: authorID,
			Title:    trimmed,
			URL:      rawURL,
		})
		if err != nil {
			return nil, err
		}

		return []event.Record{record}, nil
	}
}

// CastVote decides a vote on an existing Post. Every voter can vote once.
func CastVote(voterID string, value int) aggregate.Decider[Post] {
	return func(current aggregate.Loaded[Post]) ([]event.Record, error) {
		if !current.Exists() {
			return nil, ErrPostNotFound
		}

		if value != 1 && value != -1 {
			return nil, ErrInvalidVote
		}

		if _, ok := current.State.Votes[voterID]; ok {
			return nil, fmt.Errorf("%w: %s on post %s", ErrAlreadyVoted, voterID, current.ID)
		}

		record, err := newRecord(VoteCastType, voteCastSerde, VoteCast{VoterID: voterID, Value: value})
		if err != nil {
			return nil, err
		}

		return []event.Record{record}, nil
	}
}

// EditPost decides a change of title, allowed to the Post author only.
// Setting the same title produces no Events.
func EditPost(authorID, title string) aggregate.Decider[Post] {
	return func(current aggregate.Loaded[Post]) ([]event.Record, error) {
		if !current.Exists() {
			return nil, ErrPostNotFound
		}

		if current.State.AuthorID != authorID {
			return nil, ErrNotPostAuthor
		}

		trimmed := strings.TrimSpace(title)
		if trimmed == "" {
			return nil, ErrEmptyTitle
		}

		if trimmed == current.State.Title {
			return nil, nil
		}

		record, err := newRecord(PostEditedType, postEditedSerde, PostEdited{Title: trimmed})
		if err != nil {
			return nil, err
		}

		return []event.Record{record}, nil
	}
}
