package pgstore

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dagrunner/engine/internal/domain"
)

func msgpackMarshal(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return msgpack.Marshal(v)
}

func unmarshalDefinition(blob []byte) (*domain.WorkflowDefinition, error) {
	var def domain.WorkflowDefinition
	if err := msgpack.Unmarshal(blob, &def); err != nil {
		return nil, err
	}
	return &def, nil
}
