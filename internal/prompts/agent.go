package prompts

// EmptyResponseFallback is the reply used when the model returns no text
// on its final turn.
const EmptyResponseFallback = "I processed your request but wasn't able to compose a response. Please try again."
