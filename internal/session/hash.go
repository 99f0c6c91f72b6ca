package session

import (
	"fmt"
	"strconv"
)

// Snapshot is the session state persisted in the broker's session hash.
// It carries what another gateway instance needs to take over a socket:
// language settings, counters, and the last observed segmentation state.
// Raw audio buffers are not persisted: on reattach the machine restarts
// INACTIVE and the pre-roll refills within a second.
type Snapshot struct {
	SourceLang         string
	TargetLang         string
	TranslationEnabled bool
	SegmentSeq         uint64
	Epoch              uint64
	State              State
	UpdatedTS          int64 // unix milliseconds
}

// Fields encodes the snapshot as the flat string map the broker stores.
func (s Snapshot) Fields() map[string]string {
	return map[string]string{
		"source_lang":         s.SourceLang,
		"target_lang":         s.TargetLang,
		"translation_enabled": strconv.FormatBool(s.TranslationEnabled),
		"segment_seq":         strconv.FormatUint(s.SegmentSeq, 10),
		"epoch":               strconv.FormatUint(s.Epoch, 10),
		"state":               s.State.String(),
		"updated_ts":          strconv.FormatInt(s.UpdatedTS, 10),
	}
}

// SnapshotFromFields decodes a session hash. Languages are required;
// counters default to zero when absent so snapshots written by older
// builds still load.
func SnapshotFromFields(fields map[string]string) (Snapshot, error) {
	s := Snapshot{
		SourceLang: fields["source_lang"],
		TargetLang: fields["target_lang"],
	}
	if s.SourceLang == "" || s.TargetLang == "" {
		return Snapshot{}, fmt.Errorf("session: snapshot missing language fields")
	}

	var err error
	if v := fields["translation_enabled"]; v != "" {
		if s.TranslationEnabled, err = strconv.ParseBool(v); err != nil {
			return Snapshot{}, fmt.Errorf("session: invalid translation_enabled %q: %w", v, err)
		}
	}
	if v := fields["segment_seq"]; v != "" {
		if s.SegmentSeq, err = strconv.ParseUint(v, 10, 64); err != nil {
			return Snapshot{}, fmt.Errorf("session: invalid segment_seq %q: %w", v, err)
		}
	}
	if v := fields["epoch"]; v != "" {
		if s.Epoch, err = strconv.ParseUint(v, 10, 64); err != nil {
			return Snapshot{}, fmt.Errorf("session: invalid epoch %q: %w", v, err)
		}
	}
	if v := fields["state"]; v != "" {
		if s.State, err = ParseState(v); err != nil {
			return Snapshot{}, err
		}
	}
	if v := fields["updated_ts"]; v != "" {
		if s.UpdatedTS, err = strconv.ParseInt(v, 10, 64); err != nil {
			return Snapshot{}, fmt.Errorf("session: invalid updated_ts %q: %w", v, err)
		}
	}
	return s, nil
}
