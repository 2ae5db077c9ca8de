package ai

import (
	"encoding/json"
	"fmt"
)

func metadataJSON(meta map[string]any) string {
	if meta == nil {
		return "{}"
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func rcaPrompt(logs, ciConfig string, meta map[string]any) string {
	return fmt.Sprintf(`
Analyze the CI/CD pipeline failure and respond ONLY with valid JSON.

INPUT:
LOGS:
%s

CI CONFIG:
%s

META:
%s

Return JSON EXACTLY like this:
{
  "summary": "string",
  "rootCause": "string",
  "category": "config | dependency | test | infra | timeout | other",
  "confidence": 0.0
}
`, logs, ciConfig, metadataJSON(meta))
}

func patchPrompt(logs, ciConfig string, meta map[string]any) string {
	return fmt.Sprintf(`You are an AI DevOps Copilot generating FIXES for GitLab CI pipeline failures.

Your output MUST ALWAYS be a VALID UNIFIED DIFF PATCH.

RULES:
1. Always include BOTH headers exactly:
  --- a/<file_path>
  +++ b/<file_path>

2. Always include at least one real change.
  Never return an empty diff.

3. Never use /dev/null unless you are creating a new file.
  For new files:
    --- /dev/null
    +++ b/<file>

4. NEVER output plain text, explanation, markdown or JSON.
  ONLY output a unified diff.

5. Hunk must be formatted exactly:
  @@ -<old_line>,<old_count> +<new_line>,<new_count> @@

6. Your patch MUST PRODUCE VALID, WORKING CODE.

7. If the fix is unclear, create a safe fallback fix:
  - comment out the failing line
  - add a safe replacement line

8. Do not include triple-backticks.

9. Target use case:
  - fix shell script failures
  - fix missing directory
  - fix failing commands
  - fix CI YAML issues

Context (do not echo back, just use for reasoning):
LOGS:
%s

CI CONFIG:
%s

META:
%s

Return ONLY the unified diff.
`, logs, ciConfig, metadataJSON(meta))
}
