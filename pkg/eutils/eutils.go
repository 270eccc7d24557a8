// Package eutils is a small client for the NCBI E-utilities endpoints used
// to map MeSH chemical terms to PubChem compounds.
package eutils

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/orneryd/graphbuilder/pkg/logging"
	"github.com/orneryd/graphbuilder/pkg/remote"
)

// DefaultBaseURL is the public E-utilities root.
const DefaultBaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"

// NCBI allows 3 requests per second without an API key and 10 with one.
const (
	anonymousRPS = 3
	keyedRPS     = 10
)

// Options configures a Client.
type Options struct {
	BaseURL string
	APIKey  string
	// RPS overrides the request rate. Zero picks the NCBI limit for the key.
	RPS    float64
	Client *remote.Client
	Logger *zap.Logger
}

// Client issues rate-limited E-utilities requests.
type Client struct {
	base    string
	apiKey  string
	http    *remote.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New creates a client. A missing API key is allowed but logged, since it
// cuts the permitted request rate.
func New(opts Options) *Client {
	logger := logging.OrNop(opts.Logger).Named("eutils")
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.RPS <= 0 {
		opts.RPS = anonymousRPS
		if opts.APIKey != "" {
			opts.RPS = keyedRPS
		}
	}
	if opts.APIKey == "" {
		logger.Warn("no E-utilities API key configured, requests are limited to 3 per second")
	}
	if opts.Client == nil {
		opts.Client = remote.New(remote.Options{Breaker: remote.DefaultBreakerConfig("eutils"), Logger: opts.Logger})
	}
	return &Client{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		http:    opts.Client,
		limiter: rate.NewLimiter(rate.Limit(opts.RPS), 1),
		logger:  logger,
	}
}

// MeSH descriptors (D...) and supplementary records (C...) are addressed in
// the mesh database by numeric uids with a 68 or 67 prefix.
var (
	meshToUID = map[byte]string{'D': "68", 'C': "67"}
	uidToMesh = map[string]string{"68": "D", "67": "C"}
)

// MeshUID converts a MeSH term id such as D000001 to its E-utilities uid
// 68000001. Terms outside the D and C trees have no uid.
func MeshUID(term string) (string, bool) {
	if term == "" {
		return "", false
	}
	p, ok := meshToUID[term[0]]
	if !ok {
		return "", false
	}
	return p + term[1:], true
}

// MeshTerm is the inverse of MeshUID.
func MeshTerm(uid string) (string, bool) {
	if len(uid) < 3 {
		return "", false
	}
	p, ok := uidToMesh[uid[:2]]
	if !ok {
		return "", false
	}
	return p + uid[2:], true
}

// flexID decodes identifiers sent either as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

type elinkResponse struct {
	Linksets []struct {
		IDs        []flexID `json:"ids"`
		LinksetDBs []struct {
			LinkName string   `json:"linkname"`
			Links    []flexID `json:"links"`
		} `json:"linksetdbs"`
	} `json:"linksets"`
}

type esearchResponse struct {
	Result struct {
		IDList []string `json:"idlist"`
	} `json:"esearchresult"`
}

// MeshToPubChem links MeSH terms to PubChem compound ids, batchSize terms per
// request. Terms without a uid are skipped; terms without links are absent
// from the result.
func (c *Client) MeshToPubChem(ctx context.Context, terms []string, batchSize int) (map[string][]string, error) {
	if batchSize <= 0 {
		batchSize = len(terms)
	}
	uids := make([]string, 0, len(terms))
	for _, t := range terms {
		if uid, ok := MeshUID(t); ok {
			uids = append(uids, uid)
		}
	}

	out := make(map[string][]string)
	for start := 0; start < len(uids); start += batchSize {
		end := min(start+batchSize, len(uids))
		if err := c.elink(ctx, uids[start:end], out); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (c *Client) elink(ctx context.Context, uids []string, out map[string][]string) error {
	q := c.query()
	q.Set("dbfrom", "mesh")
	q.Set("db", "pccompound")
	for _, uid := range uids {
		q.Add("id", uid)
	}

	var resp elinkResponse
	if err := c.get(ctx, "elink.fcgi", q, &resp); err != nil {
		return err
	}
	for _, ls := range resp.Linksets {
		if len(ls.IDs) == 0 {
			continue
		}
		term, ok := MeshTerm(string(ls.IDs[0]))
		if !ok {
			continue
		}
		for _, db := range ls.LinksetDBs {
			if db.LinkName != "mesh_pccompound" {
				continue
			}
			cids := make([]string, len(db.Links))
			for i, l := range db.Links {
				cids[i] = string(l)
			}
			out[term] = cids
		}
	}
	c.logger.Debug("elink batch", zap.Int("uids", len(uids)), zap.Int("linked", len(out)))
	return nil
}

// CASToPubChem searches PubChem compounds for a CAS registry number.
func (c *Client) CASToPubChem(ctx context.Context, cas string) ([]string, error) {
	q := c.query()
	q.Set("db", "pccompound")
	q.Set("term", cas)

	var resp esearchResponse
	if err := c.get(ctx, "esearch.fcgi", q, &resp); err != nil {
		return nil, err
	}
	return resp.Result.IDList, nil
}

func (c *Client) query() url.Values {
	q := url.Values{}
	q.Set("retmode", "json")
	if c.apiKey != "" {
		q.Set("api_key", c.apiKey)
	}
	return q
}

func (c *Client) get(ctx context.Context, endpoint string, q url.Values, v any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	u := c.base + "/" + endpoint + "?" + q.Encode()
	if err := c.http.GetJSON(ctx, u, v); err != nil {
		return fmt.Errorf("eutils %s: %w", endpoint, err)
	}
	return nil
}
