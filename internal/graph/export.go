// Package graph exports a lesson's concept co-occurrence graph to Neo4j
//, built from the concepts each of the Chunk Coordinator's ordered
// chunks lists in its metadata. Grounded on the
// teacher's neo4j_concept_graph.go MERGE-based upsert pattern.
package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/lessonstream/engine/internal/coordinator"
	"github.com/lessonstream/engine/internal/domain"
	"github.com/lessonstream/engine/internal/platform/logger"
	"github.com/lessonstream/engine/internal/platform/neo4jdb"
)

// ConceptNode is one entity surfaced across a lesson's chunks.
type ConceptNode struct {
	Key       string
	Frequency int
}

// CooccurrenceEdge connects two concepts that appeared in the same chunk's
// ConceptsIntroduced list.
type CooccurrenceEdge struct {
	FromKey string
	ToKey   string
	Weight  int
}

// Snapshot is the graph export unit for one lesson's chunk set.
type Snapshot struct {
	LessonID string
	Nodes    []ConceptNode
	Edges    []CooccurrenceEdge
}

// BuildSnapshot derives a Snapshot from a coordinator's chunks: concept
// frequency counted from each chunk's Metadata.ConceptsIntroduced, and co-occurrence edges by
// pairing concepts introduced within the same chunk.
func BuildSnapshot(lessonID string, chunks []domain.Chunk) Snapshot {
	freq := make(map[string]int)
	edgeWeight := make(map[[2]string]int)

	for _, chunk := range chunks {
		concepts := chunk.Metadata.ConceptsIntroduced
		for _, c := range concepts {
			freq[c]++
		}
		for i := 0; i < len(concepts); i++ {
			for j := i + 1; j < len(concepts); j++ {
				key := edgeKey(concepts[i], concepts[j])
				edgeWeight[key]++
			}
		}
	}

	nodes := make([]ConceptNode, 0, len(freq))
	for k, v := range freq {
		nodes = append(nodes, ConceptNode{Key: k, Frequency: v})
	}

	edges := make([]CooccurrenceEdge, 0, len(edgeWeight))
	for k, w := range edgeWeight {
		edges = append(edges, CooccurrenceEdge{FromKey: k[0], ToKey: k[1], Weight: w})
	}

	return Snapshot{LessonID: lessonID, Nodes: nodes, Edges: edges}
}

// edgeKey orders a pair lexically so (a,b) and (b,a) hash to the same edge.
func edgeKey(a, b string) [2]string {
	if a <= b {
		return [2]string{a, b}
	}
	return [2]string{b, a}
}

// Export upserts a Snapshot into Neo4j. A nil client (no NEO4J_URI
// configured) is a no-op, matching neo4jdb.NewFromEnv's optionality.
func Export(ctx context.Context, client *neo4jdb.Client, log *logger.Logger, snap Snapshot) error {
	if client == nil || client.Driver == nil {
		return nil
	}
	if snap.LessonID == "" {
		return fmt.Errorf("graph: missing lessonID")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	nodes := make([]map[string]any, 0, len(snap.Nodes))
	for _, n := range snap.Nodes {
		nodes = append(nodes, map[string]any{
			"key":        n.Key,
			"lesson_id":  snap.LessonID,
			"frequency":  int64(n.Frequency),
			"synced_at":  now,
		})
	}

	edges := make([]map[string]any, 0, len(snap.Edges))
	for _, e := range snap.Edges {
		edges = append(edges, map[string]any{
			"from_key":  e.FromKey,
			"to_key":    e.ToKey,
			"lesson_id": snap.LessonID,
			"weight":    int64(e.Weight),
			"synced_at": now,
		})
	}

	session := client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: client.Database,
	})
	defer session.Close(ctx)

	if res, err := session.Run(ctx, `CREATE CONSTRAINT lesson_concept_unique IF NOT EXISTS FOR (c:LessonConcept) REQUIRE (c.lesson_id, c.key) IS UNIQUE`, nil); err != nil {
		if log != nil {
			log.Warn("graph: schema init failed (continuing)", "error", err)
		}
	} else {
		_, _ = res.Consume(ctx)
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if len(nodes) > 0 {
			res, err := tx.Run(ctx, `
UNWIND $nodes AS n
MERGE (c:LessonConcept {lesson_id: n.lesson_id, key: n.key})
SET c += n
`, map[string]any{"nodes": nodes})
			if err != nil {
				return nil, err
			}
			if _, err := res.Consume(ctx); err != nil {
				return nil, err
			}
		}

		if len(edges) > 0 {
			res, err := tx.Run(ctx, `
UNWIND $edges AS e
MATCH (a:LessonConcept {lesson_id: e.lesson_id, key: e.from_key})
MATCH (b:LessonConcept {lesson_id: e.lesson_id, key: e.to_key})
MERGE (a)-[r:COOCCURS_WITH]->(b)
SET r.weight = e.weight, r.synced_at = e.synced_at
`, map[string]any{"edges": edges})
			if err != nil {
				return nil, err
			}
			if _, err := res.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

// ExportFromCoordinator is a convenience wrapper: pull every chunk currently
// held by coord and export the resulting concept graph.
func ExportFromCoordinator(ctx context.Context, client *neo4jdb.Client, log *logger.Logger, lessonID string, coord *coordinator.Coordinator) error {
	snap := BuildSnapshot(lessonID, coord.OrderedChunks())
	return Export(ctx, client, log, snap)
}
