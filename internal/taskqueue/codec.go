package taskqueue

import "encoding/json"

func decode(value []byte, v interface{}) error {
	return json.Unmarshal(value, v)
}
