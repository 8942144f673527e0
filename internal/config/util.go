package config

import "encoding/json"

func NewBool(b bool) *bool {
	return &b
}

func NewUint16(v uint16) *uint16 {
	return &v
}

// Clone deep copies source into dst through a JSON round trip. Config
// values handed to a connection are cloned so later edits cannot leak in.
func Clone(dst, source interface{}) error {
	data, err := json.Marshal(source)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
