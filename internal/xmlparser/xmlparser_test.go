package xmlparser

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/discogsography/extractor/internal/xtypes"
)

func collect(t *testing.T, xmlDoc string, dt xtypes.DataType) []xtypes.DataMessage {
	t.Helper()
	out := make(chan xtypes.DataMessage, 10)
	done := make(chan error, 1)
	go func() {
		done <- Parse(context.Background(), strings.NewReader(xmlDoc), dt, out)
	}()

	var msgs []xtypes.DataMessage
	for {
		select {
		case msg, ok := <-out:
			if !ok {
				return msgs
			}
			msgs = append(msgs, msg)
		case err := <-done:
			require.NoError(t, err)
			// drain any buffered messages sent just before completion
			close(out)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for parse to finish")
		}
	}
}

func TestParseEmitsOneMessagePerRecordElement(t *testing.T) {
	doc := `<?xml version="1.0"?>
<artists>
  <artist><id>1</id><name>Alice</name></artist>
  <artist><id>2</id><name>Bob</name></artist>
</artists>`

	msgs := collect(t, doc, xtypes.Artists)
	require.Len(t, msgs, 2)
	assert.Equal(t, "1", msgs[0].ID)
	assert.Equal(t, "2", msgs[1].ID)
}

func TestParseIgnoresNonTargetSiblingsAtDepthTwo(t *testing.T) {
	doc := `<root>
  <noise><junk>skip me</junk></noise>
  <artist><id>7</id><name>Carol</name></artist>
</root>`

	msgs := collect(t, doc, xtypes.Artists)
	require.Len(t, msgs, 1)
	assert.Equal(t, "7", msgs[0].ID)
}

func TestParseMasterUsesAttributeIDAndMirrorsIntoPayload(t *testing.T) {
	doc := `<masters>
  <master id="42"><title>Album</title></master>
</masters>`

	msgs := collect(t, doc, xtypes.Masters)
	require.Len(t, msgs, 1)
	assert.Equal(t, "42", msgs[0].ID)

	rec, ok := msgs[0].Payload.(xtypes.Record)
	require.True(t, ok, "payload should be an xtypes.Record")
	assert.Equal(t, "42", rec["id"])
}

func TestParseStopsEarlyWithoutErrorWhenOutIsClosed(t *testing.T) {
	doc := `<artists>
  <artist><id>1</id></artist>
  <artist><id>2</id></artist>
  <artist><id>3</id></artist>
</artists>`

	out := make(chan xtypes.DataMessage)
	go func() {
		<-out
		close(out)
	}()

	err := Parse(context.Background(), strings.NewReader(doc), xtypes.Artists, out)
	assert.NoError(t, err)
}

func TestParseRespectsContextCancellation(t *testing.T) {
	doc := `<artists><artist><id>1</id></artist></artists>`
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan xtypes.DataMessage, 10)
	err := Parse(ctx, strings.NewReader(doc), xtypes.Artists, out)
	assert.Error(t, err)
}
