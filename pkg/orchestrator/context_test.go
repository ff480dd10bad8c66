package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/propengine/kbengine/pkg/models"
)

func msg(role models.Role, content string, titles ...string) models.Message {
	m := models.Message{Role: role, Content: content, Timestamp: time.Now()}
	if len(titles) > 0 {
		m.Metadata = &models.MessageMetadata{SourceTitles: titles}
	}
	return m
}

func TestFormatContextEmpty(t *testing.T) {
	assert.Empty(t, FormatContext(models.SessionContext{}))
}

func TestFormatContextRolesAndSources(t *testing.T) {
	sc := models.SessionContext{
		Recent: []models.Message{
			msg(models.RoleUser, "how do I upload photos"),
			msg(models.RoleAssistant, "Use the media tab.", "Upload Photos Guide"),
		},
	}
	got := FormatContext(sc)
	assert.Contains(t, got, "User: how do I upload photos")
	assert.Contains(t, got, "Assistant: Use the media tab.")
	assert.Contains(t, got, "[sources: Upload Photos Guide]")
}

func TestFormatContextIncludesSummary(t *testing.T) {
	sc := models.SessionContext{
		Summary: &models.RollingSummary{Text: "User is setting up a listing.", CoversThroughIndex: 5},
		Recent:  []models.Message{msg(models.RoleUser, "next question")},
	}
	got := FormatContext(sc)
	assert.Contains(t, got, "Summary of earlier conversation: User is setting up a listing.")
	assert.Contains(t, got, "User: next question")
}

func TestPriorSourceTitlesDeduped(t *testing.T) {
	sc := models.SessionContext{
		Recent: []models.Message{
			msg(models.RoleAssistant, "a", "Upload Photos Guide", "How to resize images"),
			msg(models.RoleAssistant, "b", "upload photos guide"),
		},
	}
	titles := PriorSourceTitles(sc)
	assert.Equal(t, []string{"Upload Photos Guide", "How to resize images"}, titles)
}

func TestContextErrorOnly(t *testing.T) {
	t.Run("true when all assistant turns apologise", func(t *testing.T) {
		sc := models.SessionContext{Recent: []models.Message{
			msg(models.RoleUser, "question"),
			msg(models.RoleAssistant, "I'm sorry - something went wrong while preparing your answer."),
		}}
		assert.True(t, ContextErrorOnly(sc))
	})

	t.Run("false with a substantive answer", func(t *testing.T) {
		sc := models.SessionContext{Recent: []models.Message{
			msg(models.RoleAssistant, "I'm sorry - something went wrong."),
			msg(models.RoleAssistant, "Photos upload from the media tab."),
		}}
		assert.False(t, ContextErrorOnly(sc))
	})

	t.Run("false with no assistant turns", func(t *testing.T) {
		sc := models.SessionContext{Recent: []models.Message{msg(models.RoleUser, "hi")}}
		assert.False(t, ContextErrorOnly(sc))
	})
}

func TestUserRequestedEscalation(t *testing.T) {
	phrases := []string{"raise a ticket", "talk to support"}
	assert.True(t, userRequestedEscalation("Please RAISE A TICKET for me", phrases))
	assert.True(t, userRequestedEscalation("can I talk to support?", phrases))
	assert.False(t, userRequestedEscalation("how do I upload photos", phrases))
}

func TestGreetingReplyDeterministic(t *testing.T) {
	assert.Equal(t, greetingReply("hello"), greetingReply("hello"))
	assert.NotEmpty(t, greetingReply("hi"))
}
