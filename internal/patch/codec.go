package patch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/example/sync-document-engine/internal/value"
)

var errEmptyDiff = errors.New("patch: diff is neither an object nor a value")

type objectJSON struct {
	ObjectID string                     `json:"objectId"`
	Type     ObjectType                 `json:"type"`
	Edits    []Edit                     `json:"edits,omitempty"`
	Props    map[string]map[string]Diff `json:"props,omitempty"`
}

// MarshalJSON renders props keyed by the string form of each key; list and
// text indices are decoded back into index keys from the node type.
func (o ObjectDiff) MarshalJSON() ([]byte, error) {
	out := objectJSON{ObjectID: o.ObjectID, Type: o.Type, Edits: o.Edits}
	if len(o.Props) > 0 {
		out.Props = make(map[string]map[string]Diff, len(o.Props))
		for k, v := range o.Props {
			out.Props[k.String()] = v
		}
	}
	return json.Marshal(out)
}

func (o *ObjectDiff) UnmarshalJSON(data []byte) error {
	var in objectJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	o.ObjectID, o.Type, o.Edits, o.Props = in.ObjectID, in.Type, in.Edits, nil
	if len(in.Props) == 0 {
		return nil
	}
	o.Props = make(Props, len(in.Props))
	for raw, contributors := range in.Props {
		key := value.StringKey(raw)
		if o.Type == TypeList || o.Type == TypeText {
			i, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("decode %s patch %s: index %q: %w", o.Type, o.ObjectID, raw, err)
			}
			key = value.IndexKey(i)
		}
		if contributors == nil {
			contributors = map[string]Diff{}
		}
		o.Props[key] = contributors
	}
	return nil
}

func (d Diff) MarshalJSON() ([]byte, error) {
	switch {
	case d.Object != nil:
		return json.Marshal(d.Object)
	case d.Value != nil:
		return json.Marshal(d.Value)
	default:
		return nil, errEmptyDiff
	}
}

func (d *Diff) UnmarshalJSON(data []byte) error {
	var probe struct {
		ObjectID *string `json:"objectId"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.ObjectID != nil {
		var o ObjectDiff
		if err := json.Unmarshal(data, &o); err != nil {
			return err
		}
		*d = ObjectLeaf(&o)
		return nil
	}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return errEmptyDiff
	}
	var v ValueDiff
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*d = Diff{Value: &v}
	return nil
}
