package core

// prompts.go defines the prompts and canned replies used by the chat
// service. Keeping them in one file makes them easy to tweak without touching
// the orchestration code.

import (
	"fmt"
	"strings"

	"medchat/internal/medctx"
)

const (
	// SystemPrompt is the base instruction for every consultation. The
	// tracked context and the analysis are appended to it per turn.
	SystemPrompt = "You are a friendly medical consultation assistant. Answer in plain, simple language. " +
		"Help the patient describe their main problem and gather the important details without giving a definitive diagnosis. " +
		"Ask one short follow-up question at a time and keep an empathetic tone. " +
		"Over the conversation cover: the main complaint and its duration, current history, medications and doses, " +
		"allergies, past medical and surgical history, family history and lifestyle. " +
		"If the patient describes an emergency, tell them to seek emergency care immediately."

	// FirstMessage greets a patient when a session starts.
	FirstMessage = "Hello and welcome! In one sentence, what is the main problem you would like to discuss, and when did it start?"

	// CapMessage is sent once the session reaches its message cap.
	CapMessage = "We have reached the message limit for this visit. Thank you for the details; the doctor will review a summary of our conversation."

	// FallbackReply is used when the model cannot be reached.
	FallbackReply = "Thank you for the explanation. Could you tell me a little more about the problem?"

	// RefusalReply answers requests the assistant must not help with.
	RefusalReply = "I can't help with that request."

	// GoodbyeReply closes a conversation on a bare farewell.
	GoodbyeReply = "Goodbye! It was nice talking with you. Feel free to come back if you have more questions."

	// GreetingReply answers a bare greeting.
	GreetingReply = "Hello! I'm here to help with your health concerns. What is the main problem you would like to discuss?"

	// OffTopicReply redirects a message unrelated to health.
	OffTopicReply = "I can only help with health questions. Is there a symptom or medical concern you would like to talk about?"
)

// BuildSystemPrompt assembles the per-turn instruction from the tracked
// context and the analysis of the conversation.
func BuildSystemPrompt(sum medctx.Summary, a medctx.Analysis) string {
	var b strings.Builder
	b.WriteString(SystemPrompt)
	b.WriteString("\n\n")
	b.WriteString(a.ContextPrompt)

	b.WriteString("\n\nConversation context:")
	if sum.Topic != "" {
		fmt.Fprintf(&b, "\n- Topic: %s", sum.Topic)
		if sum.SubTopic != "" {
			fmt.Fprintf(&b, " (also touching on %s)", sum.SubTopic)
		}
	}
	fmt.Fprintf(&b, "\n- Specialty: %s", sum.Specialty)
	if c := sum.Medical.CurrentCondition; c != "" {
		fmt.Fprintf(&b, "\n- Condition: %s", c)
	}
	writeList(&b, "Symptoms", sum.Medical.Symptoms)
	writeList(&b, "Medications", sum.Medical.Medications)
	writeList(&b, "Diagnoses", sum.Medical.Diagnoses)
	writeList(&b, "Lab results", sum.Medical.LabResults)
	writeList(&b, "Imaging", sum.Medical.Imaging)
	fmt.Fprintf(&b, "\n- Phase: %s", sum.Phase)
	fmt.Fprintf(&b, "\n- Urgency: %s", sum.Urgency)
	if sum.Urgency == medctx.UrgencyEmergency {
		b.WriteString("\nThe patient may be in an emergency. Start your answer by telling them to call emergency services.")
	}
	return b.String()
}

func writeList(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n- %s: %s", label, strings.Join(items, ", "))
}
