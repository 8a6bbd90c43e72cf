package community

import (
	"errors"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/commonground/eventline/aggregate"
	"github.com/commonground/eventline/event"
	"github.com/commonground/eventline/serde"
)

// Link analysis Event types, owned by the link analysis bounded context.
var (
	LinkAnalysisRequestedType = event.TypeName("link", "analysis", "requested")
	LinkAnalysisCompletedType = event.TypeName("link", "analysis", "completed")
)

// ErrAnalysisNotRequested is returned when completing the analysis of a Link
// that was never requested.
var ErrAnalysisNotRequested = errors.New("community: link analysis not requested")

// LinkStatus is the state of the analysis of a Link.
type LinkStatus string

// Possible LinkStatus values.
const (
	LinkUnknown   LinkStatus = ""
	LinkRequested LinkStatus = "requested"
	LinkCompleted LinkStatus = "completed"
)

// LinkAnalysisRequested is the domain event fired when a Post with a url
// is created, asking the link analysis service for a report.
type LinkAnalysisRequested struct {
	PostID string `json:"postId"`
	URL    string `json:"url"`
}

// Link is the state of the Link aggregate, identified by the id of its Post.
type Link struct {
	PostID string         `json:"postId"`
	URL    string         `json:"url"`
	Status LinkStatus     `json:"status"`
	Report map[string]any `json:"report,omitempty"`
}

var (
	analysisRequestedSerde = serde.NewJSON(func() LinkAnalysisRequested { return LinkAnalysisRequested{} })

	// The report is free-form, so it travels as a protobuf Struct in its JSON form.
	analysisReportSerde = serde.NewProtoJSON(func() *structpb.Struct { return new(structpb.Struct) })
)

// LinkType is the aggregate.Type of Links, whose Event Streams are "link-<post id>".
var LinkType = aggregate.MustType("link", func() Link { return Link{} }, serde.NewJSON(func() Link { return Link{} }),
	aggregate.On(LinkAnalysisRequestedType, analysisRequestedSerde,
		func(l Link, evt LinkAnalysisRequested, _ event.Record) (Link, error) {
			l.PostID = evt.PostID
			l.URL = evt.URL
			l.Status = LinkRequested

			return l, nil
		},
	),
	aggregate.On(LinkAnalysisCompletedType, analysisReportSerde,
		func(l Link, report *structpb.Struct, _ event.Record) (Link, error) {
			l.Status = LinkCompleted
			l.Report = report.AsMap()

			return l, nil
		},
	),
)

// RequestAnalysis decides the analysis request of the url of a Post.
// Requests for a Link already known produce no Events.
func RequestAnalysis(postID, rawURL string) aggregate.Decider[Link] {
	return func(current aggregate.Loaded[Link]) ([]event.Record, error) {
		if current.Exists() {
			return nil, nil
		}

		if err := validateURL(rawURL); err != nil {
			return nil, err
		}

		record, err := newRecord(LinkAnalysisRequestedType, analysisRequestedSerde, LinkAnalysisRequested{
			PostID: postID,
			URL:    rawURL,
		})
		if err != nil {
			return nil, err
		}

		return []event.Record{record}, nil
	}
}

// CompleteAnalysis decides the completion of a requested analysis with its report.
// Completing an analysis twice produces no Events.
func CompleteAnalysis(report *structpb.Struct) aggregate.Decider[Link] {
	return func(current aggregate.Loaded[Link]) ([]event.Record, error) {
		switch current.State.Status {
		case LinkCompleted:
			return nil, nil
		case LinkUnknown:
			return nil, ErrAnalysisNotRequested
		}

		record, err := newRecord(LinkAnalysisCompletedType, analysisReportSerde, report)
		if err != nil {
			return nil, err
		}

		return []event.Record{record}, nil
	}
}
