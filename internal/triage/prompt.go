package triage

import (
	"fmt"
	"strings"

	"github.com/linnemanlabs/underwrite/internal/tools"
)

// suggestionPrompt asks the assistant for a risk recommendation.
const suggestionPrompt = `Based on our discussion about this insurance submission, please provide:
1. A summary of key risk factors
2. Your recommended risk level (Low/Medium/High)
3. Reasoning for your recommendation
4. Any additional considerations

Please be specific and detailed in your analysis.`

// buildSystemPrompt constructs the system prompt: the triage protocol, plus the
// submission document once one is attached.
func buildSystemPrompt(sess *Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, `You are a methodical, conversational insurance triage assistant. Your protocol is strict:
1. Start: if the user asks to begin or see files, use the '%[1]s' tool.
2. Selection and query: when the user selects a file name, remember it and ask ONE specific validation question related to the risk.
3. Conversation: maintain the dialogue until the user gives a clear confirmation (e.g. "yes, proceed").
4. Final action: ONLY upon a clear confirmation, use the '%[2]s' tool with the file name. Your reply after it must be the complete JSON returned by the tool.`,
		tools.NameListSubmissions, tools.NameFinalizeTriage)

	if !sess.HasDocument() {
		return b.String()
	}

	fmt.Fprintf(&b, `

The submission under discussion is %q. Here is the submission XML:

%s

Help the user understand this submission, provide summaries, and suggest risk assessments.
When analyzing the submission, consider factors like:
- Insured value
- Property type
- Location
- Risk classification
- Any special conditions or notes

Be conversational and helpful. Answer questions about the submission and provide insights.`, sess.ID, sess.Document)

	return b.String()
}
