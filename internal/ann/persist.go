package ann

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
)

// File format: claimgraph-hnsw v1
// Header: magic(8) + version(4) + dims(4) + nodeCount(4) + liveCount(4) +
//         entryPoint(4) + maxLevel(4) + M(4) + Mmax0(4) + efConst(4) + efSearch(4)
// Per node: id(8) + level(4) + deleted(1) + vector(dims*4) +
//           per layer: friendCount(4) + friends(friendCount*4)
//
// The snapshot is a restart accelerator only. The cluster store remains
// authoritative; a corrupt or missing snapshot is recovered by a full
// rebuild from stored centroids.

const magic = "CGHNSW01"

// Save persists the index to a binary snapshot file.
func (idx *Index) Save(path string) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating index snapshot: %w", err)
	}
	defer f.Close()

	if _, err := f.Write([]byte(magic)); err != nil {
		return err
	}
	header := []int32{
		1, // version
		int32(idx.dims),
		int32(len(idx.nodes)),
		int32(idx.live),
		int32(idx.entryPoint),
		int32(idx.maxLevel),
		int32(idx.M),
		int32(idx.Mmax0),
		int32(idx.EfConstruction),
		int32(idx.EfSearch),
	}
	for _, v := range header {
		if err := writeInt32(f, v); err != nil {
			return err
		}
	}

	for _, n := range idx.nodes {
		if err := writeInt64(f, n.id); err != nil {
			return err
		}
		if err := writeInt32(f, int32(n.level)); err != nil {
			return err
		}
		deleted := byte(0)
		if n.deleted {
			deleted = 1
		}
		if _, err := f.Write([]byte{deleted}); err != nil {
			return err
		}
		for _, v := range n.vector {
			if err := writeFloat32(f, v); err != nil {
				return err
			}
		}
		for l := 0; l <= n.level; l++ {
			friends := n.friends[l]
			if err := writeInt32(f, int32(len(friends))); err != nil {
				return err
			}
			for _, fr := range friends {
				if err := writeInt32(f, int32(fr)); err != nil {
					return err
				}
			}
		}
	}

	return f.Sync()
}

// Load restores an index from a snapshot created by Save.
func Load(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening index snapshot: %w", err)
	}
	defer f.Close()

	magicBuf := make([]byte, 8)
	if _, err := io.ReadFull(f, magicBuf); err != nil {
		return nil, fmt.Errorf("reading magic: %w", err)
	}
	if string(magicBuf) != magic {
		return nil, fmt.Errorf("invalid magic: %q (expected %q)", string(magicBuf), magic)
	}

	header := make([]int32, 10)
	for i := range header {
		v, err := readInt32(f)
		if err != nil {
			return nil, fmt.Errorf("reading header field %d: %w", i, err)
		}
		header[i] = v
	}
	version, dims, nodeCount, live := header[0], header[1], header[2], header[3]
	entryPoint, maxLevel := header[4], header[5]
	m, mmax0, efConst, efSearch := header[6], header[7], header[8], header[9]

	if version != 1 {
		return nil, fmt.Errorf("unsupported snapshot version: %d", version)
	}

	idx := &Index{
		dims:           int(dims),
		M:              int(m),
		Mmax0:          int(mmax0),
		EfConstruction: int(efConst),
		EfSearch:       int(efSearch),
		LevelMult:      1.0 / math.Log(float64(m)),
		entryPoint:     int(entryPoint),
		maxLevel:       int(maxLevel),
		live:           int(live),
		nodes:          make([]node, 0, nodeCount),
		idToIdx:        make(map[int64]int, nodeCount),
		rng:            rand.New(rand.NewSource(42)),
	}

	deletedBuf := make([]byte, 1)
	for i := int32(0); i < nodeCount; i++ {
		id, err := readInt64(f)
		if err != nil {
			return nil, fmt.Errorf("reading node %d id: %w", i, err)
		}
		level, err := readInt32(f)
		if err != nil {
			return nil, fmt.Errorf("reading node %d level: %w", i, err)
		}
		if _, err := io.ReadFull(f, deletedBuf); err != nil {
			return nil, fmt.Errorf("reading node %d tombstone: %w", i, err)
		}

		vector := make([]float32, dims)
		for d := int32(0); d < dims; d++ {
			v, err := readFloat32(f)
			if err != nil {
				return nil, fmt.Errorf("reading node %d vector[%d]: %w", i, d, err)
			}
			vector[d] = v
		}

		friends := make([][]int, level+1)
		for l := int32(0); l <= level; l++ {
			friendCount, err := readInt32(f)
			if err != nil {
				return nil, fmt.Errorf("reading node %d layer %d friend count: %w", i, l, err)
			}
			friends[l] = make([]int, friendCount)
			for j := int32(0); j < friendCount; j++ {
				fIdx, err := readInt32(f)
				if err != nil {
					return nil, fmt.Errorf("reading node %d layer %d friend %d: %w", i, l, j, err)
				}
				friends[l][j] = int(fIdx)
			}
		}

		n := node{
			id:      id,
			vector:  vector,
			friends: friends,
			level:   int(level),
			deleted: deletedBuf[0] == 1,
		}
		idx.nodes = append(idx.nodes, n)
		if !n.deleted {
			idx.idToIdx[id] = int(i)
		}
	}

	return idx, nil
}

// Binary helpers

func writeInt32(w io.Writer, v int32) error {
	return binary.Write(w, binary.LittleEndian, v)
}

func writeInt64(w io.Writer, v int64) error {
	return binary.Write(w, binary.LittleEndian, v)
}

func writeFloat32(w io.Writer, v float32) error {
	return binary.Write(w, binary.LittleEndian, v)
}

func readInt32(r io.Reader) (int32, error) {
	var v int32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readInt64(r io.Reader) (int64, error) {
	var v int64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readFloat32(r io.Reader) (float32, error) {
	var v float32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}
