package session

import (
	"encoding/json"
	"fmt"

	"rov-surface/common"
)

// Виды записанных входных данных
const (
	kindReading = "reading"
	kindFault   = "fault"
	kindOutcome = "outcome"
	kindLink    = "link"
)

func encodeInput(in common.Input) (kind string, payload []byte, err error) {
	switch in.(type) {
	case common.Reading:
		kind = kindReading
	case common.SensorFault:
		kind = kindFault
	case common.CommandOutcome:
		kind = kindOutcome
	case common.LinkStatus:
		kind = kindLink
	default:
		return "", nil, fmt.Errorf("unsupported input %T", in)
	}
	payload, err = json.Marshal(in)
	return kind, payload, err
}

func decodeInput(kind string, payload []byte) (common.Input, error) {
	switch kind {
	case kindReading:
		return decodeAs[common.Reading](payload)
	case kindFault:
		return decodeAs[common.SensorFault](payload)
	case kindOutcome:
		return decodeAs[common.CommandOutcome](payload)
	case kindLink:
		return decodeAs[common.LinkStatus](payload)
	}
	return nil, fmt.Errorf("unknown input kind %q", kind)
}

func decodeAs[T common.Input](payload []byte) (common.Input, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return v, nil
}
