package community

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/commonground/eventline/aggregate"
	"github.com/commonground/eventline/bus"
	"github.com/commonground/eventline/correlation"
	"github.com/commonground/eventline/event"
)

// AnalyzerGroup is the consumer group of the link analysis service.
const AnalyzerGroup = "link-analysis"

// Analyze produces the report of a url.
func Analyze(rawURL string) (*structpb.Struct, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	host := u.Hostname()

	report, err := structpb.NewStruct(map[string]any{
		"url":             rawURL,
		"scheme":          u.Scheme,
		"host":            host,
		"port":            u.Port(),
		"path":            u.EscapedPath(),
		"secure":          u.Scheme == "https",
		"queryParameters": len(u.Query()),
		"domainLevels":    strings.Count(host, ".") + 1,
		"hasFragment":     u.Fragment != "",
	})
	if err != nil {
		return nil, fmt.Errorf("community.Analyze: failed to build report, %w", err)
	}

	return report, nil
}

var _ bus.Handler = Analyzer{}

// Analyzer is the bus.Handler of the link analysis service: it analyzes the
// requested urls and completes the analysis on the Link aggregate.
type Analyzer struct {
	Links *aggregate.Repository[Link]
}

// NewAnalyzer returns the Analyzer as a bus.Handler whose completion Events
// are correlated with the request Events.
func NewAnalyzer(links *aggregate.Repository[Link]) bus.Handler {
	return correlation.WrapHandler(Analyzer{Links: links})
}

// Handle implements the bus.Handler interface.
//
// Malformed requests are permanent failures, and are dead-lettered right away.
func (a Analyzer) Handle(ctx context.Context, record event.Record) error {
	if record.Type != LinkAnalysisRequestedType {
		return nil
	}

	request, err := analysisRequestedSerde.Deserialize(record.Payload)
	if err != nil {
		return bus.Permanent(fmt.Errorf("community.Analyzer: invalid request %s, %w", record.ID, err))
	}

	report, err := Analyze(request.URL)
	if err != nil {
		return bus.Permanent(err)
	}

	if _, err := a.Links.Update(ctx, request.PostID, CompleteAnalysis(report)); err != nil {
		return fmt.Errorf("community.Analyzer: failed to complete analysis of post %s, %w", request.PostID, err)
	}

	return nil
}
