package chat

import (
	"fmt"
	"strings"

	"aihub-gateway/internal/models"
)

const databasePromptTemplate = `CONTEXT:
- Table: %s
- Schema Columns: %s
- Database Data Sample: %s
- File Content: %s

USER QUESTION: "%s"

INSTRUCTIONS:
1. The user might have typos (e.g., "sers" instead of "users"). INFER their intent based on the available data.
2. Do NOT ask for clarification unless absolutely impossible to answer.
3. If the data provides a clear answer (e.g., a count), state it directly.
4. If the user asks for "active subscribers" and you see "status: active" in the data, count them and answer.
5. Be helpful, direct, and smart.`

// DatabaseMessages builds the prompt for a question answered against table
// data. The instructions push the model to infer intent instead of asking
// back.
func DatabaseMessages(question, table string, columns []string, dbContext, fileContext string) []models.Message {
	columnList := "Unknown"
	if len(columns) > 0 {
		columnList = "[" + strings.Join(columns, ", ") + "]"
	}
	return []models.Message{{
		Role:    "user",
		Content: fmt.Sprintf(databasePromptTemplate, table, columnList, dbContext, fileContext, question),
	}}
}

// GeneralMessages builds the prompt for a question answered without
// database context.
func GeneralMessages(question, fileContext string) []models.Message {
	return []models.Message{{
		Role:    "user",
		Content: fmt.Sprintf("%s\n\nQuestion: %s", fileContext, question),
	}}
}
