// Package sources adapts HTTP knowledge sources to registry capabilities.
//
// A source answers
//
//	GET {base_url}/{operation}/{curie}
//
// with
//
//	{"results": [{"node": {"id": "HGNC:1", "type": "gene", "name": "A1BG"},
//	              "predicate": {"identifier": "RO:0002607", "label": "contributes_to"}}]}
//
// Each configured operation is registered as the capability
// name~operation. Edges carry the service name "name.operation", the input
// identifier and the request URL as provenance.
package sources

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/graphbuilder/pkg/kg"
	"github.com/orneryd/graphbuilder/pkg/logging"
	"github.com/orneryd/graphbuilder/pkg/nodetypes"
	"github.com/orneryd/graphbuilder/pkg/registry"
	"github.com/orneryd/graphbuilder/pkg/remote"
)

// Spec configures one source.
type Spec struct {
	Name       string        `yaml:"name" json:"name" validate:"required"`
	BaseURL    string        `yaml:"base_url" json:"base_url" validate:"required,url"`
	Operations []string      `yaml:"operations" json:"operations" validate:"required,min=1"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	// Prefixes lists the namespaces the source understands. The first
	// synonym of the input node in one of them is sent; an input with none
	// is skipped. Empty sends the node identifier.
	Prefixes []string `yaml:"prefixes" json:"prefixes"`
	// LocalIDs sends only the part after the colon.
	LocalIDs bool `yaml:"local_ids" json:"local_ids"`
}

// Source is a configured HTTP knowledge source.
type Source struct {
	spec   Spec
	client *remote.Client
	logger *zap.Logger
}

// New creates a source. A nil client gets one with the source's configured timeout.
func New(spec Spec, client *remote.Client, logger *zap.Logger) *Source {
	logger = logging.OrNop(logger).Named("sources").With(zap.String("source", spec.Name))
	if client == nil {
		client = remote.New(remote.Options{
			Timeout: spec.Timeout,
			Breaker: remote.DefaultBreakerConfig(spec.Name),
			Logger:  logger,
		})
	}
	return &Source{spec: spec, client: client, logger: logger}
}

// Name returns the configured name.
func (s *Source) Name() string { return s.spec.Name }

// Register adds every operation of s to caps.
func (s *Source) Register(caps *registry.Capabilities) {
	for _, op := range s.spec.Operations {
		caps.Register(s.spec.Name, op, s.Operation(op))
	}
}

type response struct {
	Results []struct {
		Node struct {
			ID   string `json:"id"`
			Type string `json:"type"`
			Name string `json:"name"`
		} `json:"node"`
		Predicate kg.LabeledID `json:"predicate"`
	} `json:"results"`
}

// Operation returns the capability for one operation.
func (s *Source) Operation(operation string) registry.Func {
	service := s.spec.Name + "." + operation
	return func(ctx context.Context, node *kg.KNode) ([]registry.Result, error) {
		curie, ok := s.inputIdentifier(node)
		if !ok {
			s.logger.Debug("no usable identifier", zap.String("operation", operation), zap.Stringer("node", node))
			return nil, nil
		}
		id := curie
		if s.spec.LocalIDs {
			id = nodetypes.Local(curie)
		}
		u := fmt.Sprintf("%s/%s/%s", strings.TrimRight(s.spec.BaseURL, "/"), operation, url.PathEscape(id))

		var resp response
		if err := s.client.GetJSON(ctx, u, &resp); err != nil {
			return nil, fmt.Errorf("%s: %w", service, err)
		}

		results := make([]registry.Result, 0, len(resp.Results))
		for _, r := range resp.Results {
			if !kg.ValidCurie(r.Node.ID) {
				s.logger.Debug("dropping result with bad identifier", zap.String("id", r.Node.ID))
				continue
			}
			t := nodetypes.Any
			if r.Node.Type != "" {
				parsed, err := nodetypes.Parse(r.Node.Type)
				if err != nil {
					s.logger.Debug("dropping result with unknown type", zap.String("type", r.Node.Type))
					continue
				}
				t = parsed
			}
			target := kg.NewKNode(r.Node.ID, t, r.Node.Name)
			edge := kg.NewKEdge(node, target, service, curie, r.Predicate, u)
			results = append(results, registry.Result{Edge: edge, Node: target})
		}
		return results, nil
	}
}

func (s *Source) inputIdentifier(node *kg.KNode) (string, bool) {
	if len(s.spec.Prefixes) == 0 {
		return node.Identifier, true
	}
	for _, prefix := range s.spec.Prefixes {
		if strings.EqualFold(nodetypes.Prefix(node.Identifier), prefix) {
			return node.Identifier, true
		}
		if ids := node.SynonymsByPrefix(prefix); len(ids) > 0 {
			return ids[0], true
		}
	}
	return "", false
}
