package insight

import "fmt"

const instructions = "You are a medical assistant. Read the health record below and reply with JSON only, " +
	"using exactly these keys: summary (string), indicators (array of strings), " +
	"risk_level (one of low, medium, high), recommendations (array of strings)."

// BuildPrompt renders the provider instruction for one record.
func BuildPrompt(recordType, text string) string {
	return fmt.Sprintf("%s\nRecord type: %s.\nPatient-provided text: %s", instructions, recordType, text)
}
