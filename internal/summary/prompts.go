package summary

import "fmt"

func userPrompt(text string) string {
	return fmt.Sprintf(`You are an engineering team leader asking an engineer to work on a task.
%s
`, text)
}

func thinkingPrompt(text string) string {
	return fmt.Sprintf(`You are a software engineer working on a task and you are thinking about the task at hand.
You must summarize what you are currently doing using present continuous tense.
Do NOT copy any text from EXAMPLES.
Your output MUST be derived from INPUT and MUST include at least one keyword from INPUT.

### EXAMPLES (style only; placeholders)
INPUT: "The user wants a new commit, not an amend. But there are no changes to commit since we just committed everything. The user probably wants me to reset the last commit and recommit with a better message. Let me do a soft reset and recommit."
OUTPUT: "Resetting the last commit and recommitting with a better message."
INPUT: "Now I need to add the system prompt to the payload and update the rest of the request to use the payload variable. Let me read the file again to see the current state and make the next edit."
OUTPUT: "Adding system prompt to the payload and updating the rest of the request to use the payload variable."

### INPUT (real)
%s
### OUTPUT - Single sentence, up to 20 words, be extremely concise, straight to the point
`, text)
}

func assistantPrompt(text string) string {
	return fmt.Sprintf(`You are a software engineer who finished the task you were working on.
You must summarize what you have accomplished, using past tense.
Do NOT copy any text from EXAMPLES.
Your output MUST be derived from INPUT and MUST include at least one keyword from INPUT.

### EXAMPLES (style only; placeholders)
INPUT: "Done. Renamed to the new worker module and updated the reference in the daemon."
OUTPUT: "Renamed the worker module and updated the daemon reference."
INPUT: "The model is ignoring the length constraints in the JSON schema. Small models often don't follow schema descriptions well. Let's move the constraints into the system prompt where they'll be more prominent."
OUTPUT: "Moved length constraints into the system prompt."

### INPUT (real)
%s
### OUTPUT - Single sentence, up to 10 words, be extremely concise, straight to the point
`, text)
}
