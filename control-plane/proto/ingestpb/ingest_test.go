package ingestpb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestStructConversion(t *testing.T) {
	ev := LogEvent{DeployID: 1 << 40, Stage: "build", Log: "step 1/3"}
	got, err := FromStruct(ev.ToStruct())
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestFromStructTolerance(t *testing.T) {
	got, err := FromStruct(&structpb.Struct{})
	require.NoError(t, err)
	assert.Equal(t, LogEvent{}, got)

	_, err = FromStruct(&structpb.Struct{Fields: map[string]*structpb.Value{
		"deploy_id": structpb.NewNumberValue(2.25),
	}})
	assert.ErrorIs(t, err, ErrBadMessage)
}
