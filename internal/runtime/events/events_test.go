package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnitIDOf(t *testing.T) {
	cases := []struct {
		name    string
		payload any
		want    string
		ok      bool
	}{
		{"typed heartbeat", HeartbeatPayload{UnitID: "hc.u"}, "hc.u", true},
		{"typed pointer", &ReadyPayload{UnitID: "as.u"}, "as.u", true},
		{"camel map", map[string]any{"unitId": "ee.u"}, "ee.u", true},
		{"snake map", map[string]any{"unit_id": "ti.u"}, "ti.u", true},
		{"string map", map[string]string{"unitId": "mm.u"}, "mm.u", true},
		{"empty typed", UnitErrorPayload{}, "", false},
		{"non string value", map[string]any{"unitId": 7}, "", false},
		{"unrelated", "hello", "", false},
		{"nil", nil, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := UnitIDOf(tc.payload)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.ok, ok)
		})
	}
}
