package community

import (
	"context"
	"fmt"

	"github.com/commonground/eventline/aggregate"
	"github.com/commonground/eventline/correlation"
)

// Service is the application service of the community domain, deciding
// commands against the Post and Link aggregates.
//
// Use an Event Store wrapped by correlation.NewAppender, so that the Events
// appended by a single command share the same correlation id.
type Service struct {
	Posts *aggregate.Repository[Post]
	Links *aggregate.Repository[Link]
}

// NewService creates a new Service, with both repositories sharing the
// Event Store and the options provided.
func NewService(store aggregate.EventStore, opts ...aggregate.Option) *Service {
	return &Service{
		Posts: aggregate.NewRepository(store, PostType, opts...),
		Links: aggregate.NewRepository(store, LinkType, opts...),
	}
}

// withCorrelation starts a new correlation chain, unless the context already has one.
func withCorrelation(ctx context.Context) context.Context {
	if _, ok := correlation.CorrelationID(ctx); ok {
		return ctx
	}

	return correlation.WithCorrelationID(ctx, correlation.UUIDGenerator())
}

// CreatePost creates a new Post, requesting the analysis of its url if present.
//
// A version.ConflictError is returned if the Post already exists.
func (s *Service) CreatePost(ctx context.Context, id, authorID, title, rawURL string) (aggregate.Loaded[Post], error) {
	ctx = withCorrelation(ctx)

	records, err := CreatePost(authorID, title, rawURL)(s.Posts.New(id))
	if err != nil {
		return aggregate.Loaded[Post]{}, fmt.Errorf("community.Service: failed to create post %s, %w", id, err)
	}

	post, err := s.Posts.Create(ctx, id, records...)
	if err != nil {
		return aggregate.Loaded[Post]{}, fmt.Errorf("community.Service: failed to create post %s, %w", id, err)
	}

	if rawURL == "" {
		return post, nil
	}

	if _, err := s.Links.Update(ctx, id, RequestAnalysis(id, rawURL)); err != nil {
		return post, fmt.Errorf("community.Service: failed to request analysis of post %s, %w", id, err)
	}

	return post, nil
}

// CastVote casts a vote on an existing Post.
func (s *Service) CastVote(ctx context.Context, postID, voterID string, value int) (aggregate.Loaded[Post], error) {
	post, err := s.Posts.Update(withCorrelation(ctx), postID, CastVote(voterID, value))
	if err != nil {
		return post, fmt.Errorf("community.Service: failed to cast vote on post %s, %w", postID, err)
	}

	return post, nil
}

// EditPost changes the title of a Post.
func (s *Service) EditPost(ctx context.Context, postID, authorID, title string) (aggregate.Loaded[Post], error) {
	post, err := s.Posts.Update(withCorrelation(ctx), postID, EditPost(authorID, title))
	if err != nil {
		return post, fmt.Errorf("community.Service: failed to edit post %s, %w", postID, err)
	}

	return post, nil
}

// Post returns the current state of a Post.
func (s *Service) Post(ctx context.Context, id string) (aggregate.Loaded[Post], error) {
	return s.Posts.Load(ctx, id)
}

// Link returns the current state of the Link of a Post.
func (s *Service) Link(ctx context.Context, postID string) (aggregate.Loaded[Link], error) {
	return s.Links.Load(ctx, postID)
}
