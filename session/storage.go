package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/superfly/camxfer/ptpip"
)

// StorageAll addresses every card on the camera.
const StorageAll uint32 = 0xFFFFFFFF

// storagePresent is set in a storage id when its slot holds a usable card.
const storagePresent uint32 = 0x00000001

// SlotPolicy selects the media card(s) to use.
type SlotPolicy string

const (
	SlotFirstFound SlotPolicy = "firstfound"
	SlotFirst      SlotPolicy = "first"
	SlotSecond     SlotPolicy = "second"
	SlotBoth       SlotPolicy = "both"
)

// ParseSlotPolicy parses a slot policy name.
func ParseSlotPolicy(s string) (SlotPolicy, error) {
	switch p := SlotPolicy(strings.ToLower(s)); p {
	case SlotFirstFound, SlotFirst, SlotSecond, SlotBoth:
		return p, nil
	}
	return "", fmt.Errorf("unknown slot %q", s)
}

// Storage is the storage selection of a session.
type Storage struct {
	// ID is passed to object enumeration; StorageAll for both cards
	ID uint32

	// IDs are every slot the camera reported, present or not
	IDs []uint32

	// Infos describe each card in use
	Infos []ptpip.StorageInfo
}

// Slot returns the 1-based slot index of a storage id.
func Slot(storageID uint32) int {
	return int(storageID >> 16)
}

// SelectStorage picks the storage id according to the configured slot
// policy and fetches the StorageInfo of every card it covers.
func (s *Session) SelectStorage(ctx context.Context) (*Storage, error) {
	ids, err := s.Primary.GetStorageIDs(ctx)
	if err != nil {
		return nil, err
	}
	for i, id := range ids {
		s.log.WithFields(logrus.Fields{"index": i, "storage_id": fmt.Sprintf("0x%08x", id)}).Debug("storage slot")
	}
	id, err := selectStorage(ids, s.cfg.Slot)
	if err != nil {
		return nil, err
	}

	st := &Storage{ID: id, IDs: ids}
	for _, sid := range ids {
		if sid&storagePresent == 0 || (id != StorageAll && sid != id) {
			continue
		}
		info, err := s.Primary.GetStorageInfo(ctx, sid)
		if err != nil {
			return nil, fmt.Errorf("failed to get storage info for slot %d: %w", Slot(sid), err)
		}
		s.log.WithFields(logrus.Fields{
			"slot":       Slot(sid),
			"label":      info.VolumeLabel,
			"free_bytes": info.FreeSpaceBytes,
		}).Debug("card in use")
		st.Infos = append(st.Infos, info)
	}
	return st, nil
}

func selectStorage(ids []uint32, policy SlotPolicy) (uint32, error) {
	first := -1
	for i, id := range ids {
		if id&storagePresent != 0 {
			first = i
			break
		}
	}
	if first < 0 {
		return 0, ErrNoCard
	}

	switch policy {
	case SlotBoth:
		return StorageAll, nil
	case SlotFirst, SlotSecond:
		idx := 0
		if policy == SlotSecond {
			if len(ids) <= 1 {
				return 0, fmt.Errorf("%w: second card slot specified but camera only has one card slot", ErrNoCard)
			}
			idx = 1
		}
		if ids[idx]&storagePresent == 0 {
			return 0, fmt.Errorf("%w: no card in %s slot", ErrNoCard, policy)
		}
		return ids[idx], nil
	}
	return ids[first], nil
}
