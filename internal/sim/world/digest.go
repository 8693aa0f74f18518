package world

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
)

// Digest is a stable hash of the full authoritative state. Two states with
// equal digests are indistinguishable to clients.
func (s *State) Digest() string {
	h := sha256.New()
	var tmp [8]byte

	writeU64(h, &tmp, s.seq)
	writeU64(h, &tmp, s.turn)
	writeU64(h, &tmp, uint64(s.round))
	writeU64(h, &tmp, s.nextEntity)
	ref := s.terrain.Ref()
	writeString(h, &tmp, ref.ID)
	writeU64(h, &tmp, uint64(ref.Seed))
	writeU64(h, &tmp, uint64(ref.Width))
	writeU64(h, &tmp, uint64(ref.Height))

	ids := s.sortedIDs()
	writeU64(h, &tmp, uint64(len(ids)))
	for _, id := range ids {
		digestEntity(h, &tmp, s.entities[id])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func digestEntity(h hash.Hash, tmp *[8]byte, e *Entity) {
	writeString(h, tmp, e.ID)
	writeString(h, tmp, string(e.Kind))
	writeString(h, tmp, e.Name)
	writeI64(h, tmp, int64(e.Pos.X))
	writeI64(h, tmp, int64(e.Pos.Y))
	writeI64(h, tmp, int64(e.HP))
	writeI64(h, tmp, int64(e.MaxHP))
	writeI64(h, tmp, int64(e.Stats.Attack))
	writeI64(h, tmp, int64(e.Stats.Defense))
	writeI64(h, tmp, int64(e.Stats.Mining))
	writeString(h, tmp, e.Controller)
	writeI64(h, tmp, int64(e.Remaining))

	items := make([]string, 0, len(e.Inventory))
	for k := range e.Inventory {
		items = append(items, k)
	}
	sort.Strings(items)
	writeU64(h, tmp, uint64(len(items)))
	for _, k := range items {
		writeString(h, tmp, k)
		writeI64(h, tmp, int64(e.Inventory[k]))
	}

	kinds := make([]string, 0, len(e.ReadyAt))
	for k := range e.ReadyAt {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	writeU64(h, tmp, uint64(len(kinds)))
	for _, k := range kinds {
		writeString(h, tmp, k)
		writeU64(h, tmp, e.ReadyAt[ActionKind(k)])
	}
}

func writeU64(h hash.Hash, tmp *[8]byte, v uint64) {
	binary.LittleEndian.PutUint64(tmp[:], v)
	h.Write(tmp[:])
}

func writeI64(h hash.Hash, tmp *[8]byte, v int64) { writeU64(h, tmp, uint64(v)) }

func writeString(h hash.Hash, tmp *[8]byte, s string) {
	writeU64(h, tmp, uint64(len(s)))
	h.Write([]byte(s))
}
