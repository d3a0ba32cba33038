// Package graph talks to the serving graph database over bolt.
package graph

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

const database = "neo4j"

var (
	// ErrInvalidIdentifier is returned for a label or property name that cannot be
	// spliced into a Cypher statement.
	ErrInvalidIdentifier = errors.New("invalid cypher identifier")
	// ErrIndexFailed is returned when an index ends up in the FAILED state.
	ErrIndexFailed = errors.New("index population failed")

	identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

func checkIdentifier(names ...string) error {
	for _, n := range names {
		if !identifier.MatchString(n) {
			return fmt.Errorf("%w: %q", ErrInvalidIdentifier, n)
		}
	}
	return nil
}

// Vector is the embedding stored on one node.
type Vector struct {
	ID        string    `json:"id"`
	Embedding []float64 `json:"embedding"`
}

// EmbeddingRequest describes an in-database embedding run.
type EmbeddingRequest struct {
	Label string
	// Text is a Cypher expression over the node variable x producing the text to embed.
	Text      string
	Model     string
	Endpoint  string
	APIKey    string
	BatchSize int
}

// Client wraps a bolt driver.
type Client struct {
	driver neo4j.DriverWithContext
	log    *zap.Logger
}

// Connect opens a driver against uri without authentication and verifies that
// the server answers.
func Connect(ctx context.Context, uri string, logger *zap.Logger) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.NoAuth())
	if err != nil {
		return nil, fmt.Errorf("failed to create graph driver for %s: %w", uri, err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("failed to reach graph database at %s: %w", uri, err)
	}
	return &Client{driver: driver, log: logger.Named("graph")}, nil
}

// Check connects to uri and runs a trivial query. It is used as the health
// check after promotion.
func Check(ctx context.Context, uri string) error {
	c, err := Connect(ctx, uri, zap.NewNop())
	if err != nil {
		return err
	}
	defer c.Close(ctx)
	return c.Ping(ctx)
}

// Close releases the driver's connections.
func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) query(ctx context.Context, cypher string, params map[string]any) (*neo4j.EagerResult, error) {
	return neo4j.ExecuteQuery(ctx, c.driver, cypher, params,
		neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithDatabase(database))
}

// Ping runs RETURN 1.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.query(ctx, "RETURN 1 AS ok", nil)
	if err != nil {
		return fmt.Errorf("graph ping failed: %w", err)
	}
	if len(res.Records) != 1 {
		return fmt.Errorf("graph ping returned %d records", len(res.Records))
	}
	return nil
}

// EnsureUniqueConstraint makes property unique among nodes with label.
func (c *Client) EnsureUniqueConstraint(ctx context.Context, label, property string) error {
	if err := checkIdentifier(label, property); err != nil {
		return err
	}
	name := strings.ToLower(label) + "_" + strings.ToLower(property) + "_unique"
	cypher := fmt.Sprintf("CREATE CONSTRAINT %s IF NOT EXISTS FOR (n:%s) REQUIRE n.%s IS UNIQUE", name, label, property)
	if _, err := c.query(ctx, cypher, nil); err != nil {
		return fmt.Errorf("failed to create constraint %s: %w", name, err)
	}
	return nil
}

// FetchEmbeddings returns the embedding of every node with label that has one.
func (c *Client) FetchEmbeddings(ctx context.Context, label string) ([]Vector, error) {
	if err := checkIdentifier(label); err != nil {
		return nil, err
	}
	cypher := fmt.Sprintf(`MATCH (n:%s) WHERE n.embedding IS NOT NULL
RETURN n.primaryDomainId AS id, n.embedding AS embedding`, label)
	res, err := c.query(ctx, cypher, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s embeddings: %w", label, err)
	}
	out := make([]Vector, 0, len(res.Records))
	for _, rec := range res.Records {
		id, _, err := neo4j.GetRecordValue[string](rec, "id")
		if err != nil {
			continue
		}
		raw, _, err := neo4j.GetRecordValue[[]any](rec, "embedding")
		if err != nil {
			continue
		}
		vec := make([]float64, 0, len(raw))
		for _, v := range raw {
			if f, ok := v.(float64); ok {
				vec = append(vec, f)
			}
		}
		out = append(out, Vector{ID: id, Embedding: vec})
	}
	c.log.Debug("Fetched embeddings", zap.String("label", label), zap.Int("count", len(out)))
	return out, nil
}

// WriteEmbeddings sets the embedding of existing nodes, batchSize nodes per
// statement.
func (c *Client) WriteEmbeddings(ctx context.Context, label string, vectors []Vector, batchSize int) error {
	if err := checkIdentifier(label); err != nil {
		return err
	}
	if batchSize <= 0 {
		batchSize = len(vectors)
	}
	cypher := fmt.Sprintf(`UNWIND $nodes AS node
MATCH (n:%s {primaryDomainId: node.id})
SET n.embedding = node.embedding`, label)
	for start := 0; start < len(vectors); start += batchSize {
		end := min(start+batchSize, len(vectors))
		nodes := make([]map[string]any, 0, end-start)
		for _, v := range vectors[start:end] {
			nodes = append(nodes, map[string]any{"id": v.ID, "embedding": v.Embedding})
		}
		if _, err := c.query(ctx, cypher, map[string]any{"nodes": nodes}); err != nil {
			return fmt.Errorf("failed to write %s embeddings: %w", label, err)
		}
	}
	c.log.Info("Imported embeddings", zap.String("label", label), zap.Int("count", len(vectors)))
	return nil
}

// BuildEmbeddings computes the embedding of every node with label that lacks
// one, inside the database through APOC.
func (c *Client) BuildEmbeddings(ctx context.Context, req EmbeddingRequest) error {
	if err := checkIdentifier(req.Label); err != nil {
		return err
	}
	batch := req.BatchSize
	if batch <= 0 {
		batch = 100
	}
	outer := fmt.Sprintf(`MATCH (n:%s) WHERE n.embedding IS NULL
WITH collect(elementId(n)) AS ids
UNWIND range(0, size(ids) - 1, %d) AS i
RETURN ids[i..i+%d] AS batch`, req.Label, batch, batch)
	inner := fmt.Sprintf(`UNWIND batch AS id
MATCH (x:%s) WHERE elementId(x) = id
WITH collect(x) AS nodes
CALL apoc.ml.openai.embedding([x IN nodes | %s], $apiKey, $options) YIELD index, embedding
WITH nodes[index] AS node, embedding
CALL db.create.setNodeVectorProperty(node, "embedding", embedding)
RETURN count(*)`, req.Label, req.Text)

	options := map[string]any{
		"model":                req.Model,
		"enableBackOffRetries": true,
		"backOffRetries":       20,
		"exponentialBackoff":   true,
	}
	if req.Endpoint != "" {
		options["endpoint"] = req.Endpoint
	}
	params := map[string]any{
		"outer": outer,
		"inner": inner,
		"config": map[string]any{
			"batchSize": 1,
			"parallel":  false,
			"params":    map[string]any{"apiKey": req.APIKey, "options": options},
		},
	}

	start := time.Now()
	res, err := c.query(ctx, "CALL apoc.periodic.iterate($outer, $inner, $config) YIELD failedOperations, errorMessages RETURN failedOperations, errorMessages", params)
	if err != nil {
		return fmt.Errorf("failed to build %s embeddings: %w", req.Label, err)
	}
	if len(res.Records) > 0 {
		failed, _, _ := neo4j.GetRecordValue[int64](res.Records[0], "failedOperations")
		if failed > 0 {
			msgs, _ := res.Records[0].Get("errorMessages")
			return fmt.Errorf("failed to build %s embeddings: %d batches failed: %v", req.Label, failed, msgs)
		}
	}
	c.log.Info("Built embeddings", zap.String("label", req.Label), zap.Duration("took", time.Since(start)))
	return nil
}

// VectorIndexName is the name of the embedding index for label.
func VectorIndexName(label string) string {
	return strings.ToLower(label) + "Embeddings"
}

// CreateVectorIndex creates a cosine vector index over the embedding of nodes
// with label and returns its name.
func (c *Client) CreateVectorIndex(ctx context.Context, label string, dimensions int) (string, error) {
	if err := checkIdentifier(label); err != nil {
		return "", err
	}
	name := VectorIndexName(label)
	cypher := fmt.Sprintf("CREATE VECTOR INDEX %s IF NOT EXISTS FOR (n:%s) ON (n.embedding) "+
		"OPTIONS {indexConfig: {`vector.dimensions`: %d, `vector.similarity_function`: 'cosine'}}", name, label, dimensions)
	if _, err := c.query(ctx, cypher, nil); err != nil {
		return "", fmt.Errorf("failed to create vector index %s: %w", name, err)
	}
	return name, nil
}

// IndexStates returns the state of each named index that exists.
func (c *Client) IndexStates(ctx context.Context, names []string) (map[string]string, error) {
	res, err := c.query(ctx, "SHOW INDEXES YIELD name, state WHERE name IN $names RETURN name, state",
		map[string]any{"names": names})
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes: %w", err)
	}
	out := make(map[string]string, len(res.Records))
	for _, rec := range res.Records {
		name, _, _ := neo4j.GetRecordValue[string](rec, "name")
		state, _, _ := neo4j.GetRecordValue[string](rec, "state")
		out[name] = state
	}
	return out, nil
}

// WaitForIndexes polls until every named index is ONLINE.
func (c *Client) WaitForIndexes(ctx context.Context, names []string, poll time.Duration) error {
	if len(names) == 0 {
		return nil
	}
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		states, err := c.IndexStates(ctx, names)
		if err != nil {
			return err
		}
		var pending []string
		for _, n := range names {
			switch states[n] {
			case "ONLINE":
			case "FAILED":
				return fmt.Errorf("%w: %s", ErrIndexFailed, n)
			default:
				pending = append(pending, n)
			}
		}
		if len(pending) == 0 {
			c.log.Info("Indexes online", zap.Strings("indexes", names))
			return nil
		}
		c.log.Debug("Waiting for indexes", zap.Strings("pending", pending))
		select {
		case <-ctx.Done():
			return fmt.Errorf("indexes %s not online: %w", strings.Join(pending, ", "), ctx.Err())
		case <-ticker.C:
		}
	}
}
