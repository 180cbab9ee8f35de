package handlers

import (
	"context"
	"crypto/md5" //nolint:gosec // non-cryptographic event reference
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/mkarlsen/memsched/internal/log"
	"github.com/mkarlsen/memsched/internal/memory"
	"github.com/mkarlsen/memsched/internal/scheduler/weblog"
)

// MemReorganize reports merges performed by the long-term reorganizer.
// Each message carries the ids of pre-merge items; their MERGED_TO edges
// locate the post-merge node, and one mergeMemory event is emitted per
// target with the merged sources plus a postMerge row.
func (s *Service) MemReorganize(ctx context.Context, msgs []memory.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	cube, err := s.cubeFor(msgs[0])
	if err != nil {
		return err
	}
	if cube.GraphStore == nil {
		return fmt.Errorf("mem_reorganize requires a graph store, none configured")
	}

	var firstErr error
	for _, msg := range msgs {
		if err := s.reorganizeOne(ctx, cube, msg); err != nil {
			log.ErrorErr(log.CatHandler, "Merge reporting failed", err, "itemID", msg.ItemID)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Service) reorganizeOne(ctx context.Context, cube *memory.Cube, msg memory.Message) error {
	ids, err := parseIDList(msg.Content)
	if err != nil {
		return err
	}

	// Post-merge node id -> merged source ids, in payload order.
	targets := make(map[string][]string)
	var order []string
	for _, id := range ids {
		edges, err := cube.GraphStore.GetEdges(ctx, id, memory.EdgeMergedTo, memory.DirectionOut)
		if err != nil {
			log.ErrorErr(log.CatHandler, "Edge lookup failed", err, "memoryID", id)
			continue
		}
		target := ""
		if len(edges) > 0 {
			target = edges[0].To
		}
		if _, seen := targets[target]; !seen {
			order = append(order, target)
		}
		targets[target] = append(targets[target], id)
	}

	for _, target := range order {
		sources := targets[target]
		event := weblog.NewEvent(msg, string(memory.LabelMemReorg))

		for _, srcID := range sources {
			entry := weblog.Entry{Type: "merged", MemoryID: srcID, RefID: target}
			if item, err := cube.TextMem.Get(ctx, srcID); err == nil {
				entry.Content = item.Memory
			}
			event.Content = append(event.Content, entry)
		}

		post := weblog.Entry{Type: "postMerge"}
		if target != "" {
			post.MemoryID = target
			post.RefID = target
			if item, err := cube.TextMem.Get(ctx, target); err == nil {
				post.Content = item.Memory
			}
		} else {
			post.RefID = mergeRef(sources)
			for i := range event.Content {
				event.Content[i].RefID = post.RefID
			}
		}
		event.Content = append(event.Content, post)
		if s.deps.WebLog != nil {
			s.deps.WebLog.Publish(event)
		}
	}
	return nil
}

// mergeRef derives a stable reference for merges whose post-merge node is
// not linked yet.
func mergeRef(sourceIDs []string) string {
	sorted := make([]string, len(sourceIDs))
	copy(sorted, sourceIDs)
	sort.Strings(sorted)
	sum := md5.Sum([]byte(strings.Join(sorted, ","))) //nolint:gosec
	return "merge-" + hex.EncodeToString(sum[:])
}
