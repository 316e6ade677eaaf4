package roadgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// networkType selects the edge filter the graph source applies.
func networkType(mode Mode) string {
	switch mode {
	case ModeJog:
		return "walk"
	case ModeCycle:
		return "bike"
	default:
		return "drive"
	}
}

// Source fetches a road graph for a bbox.
type Source interface {
	Fetch(ctx context.Context, west, south, east, north float64, mode Mode) (*Graph, error)
}

// HTTPSource talks to the external graph service: GET
// {base}/graph?bbox=W,S,E,N&network=walk|bike|drive returning the node
// and edge lists as JSON.
type HTTPSource struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

func NewHTTPSource(baseURL string, logger *zap.Logger) *HTTPSource {
	return &HTTPSource{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

type graphDocument struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

func (s *HTTPSource) Fetch(ctx context.Context, west, south, east, north float64, mode Mode) (*Graph, error) {
	q := url.Values{}
	q.Set("bbox", fmt.Sprintf("%g,%g,%g,%g", west, south, east, north))
	q.Set("network", networkType(mode))
	reqURL := fmt.Sprintf("%s/graph?%s", s.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building graph request: %w", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching graph: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		return nil, fmt.Errorf("graph source returned status %d: %s", resp.StatusCode, preview)
	}

	var doc graphDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding graph document: %w", err)
	}

	g := &Graph{Nodes: make(map[int64]Node, len(doc.Nodes)), Edges: doc.Edges}
	for _, n := range doc.Nodes {
		g.Nodes[n.ID] = n
	}
	s.logger.Debug("graph fetched",
		zap.Int("nodes", len(g.Nodes)),
		zap.Int("edges", len(g.Edges)),
		zap.String("network", networkType(mode)),
	)
	return g, nil
}
