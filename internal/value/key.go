package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Key addresses a property of a composite: a string for maps and tables, an
// index for lists and text. Keys are comparable and usable as map keys.
type Key struct {
	name    string
	index   int
	isIndex bool
}

func StringKey(name string) Key { return Key{name: name} }
func IndexKey(i int) Key        { return Key{index: i, isIndex: true} }

func (k Key) IsIndex() bool { return k.isIndex }
func (k Key) Name() string  { return k.name }
func (k Key) Index() int    { return k.index }

func (k Key) String() string {
	if k.isIndex {
		return strconv.Itoa(k.index)
	}
	return k.name
}

// MarshalJSON encodes indices as numbers and names as strings.
func (k Key) MarshalJSON() ([]byte, error) {
	if k.isIndex {
		return []byte(strconv.Itoa(k.index)), nil
	}
	return json.Marshal(k.name)
}

func (k *Key) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*k = StringKey(s)
		return nil
	}
	var i int
	if err := json.Unmarshal(data, &i); err != nil {
		return fmt.Errorf("decode key: %w", err)
	}
	*k = IndexKey(i)
	return nil
}
