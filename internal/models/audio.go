package models

// AudioGenerationRequest drives text-to-music generation.
type AudioGenerationRequest struct {
	Text         string
	MaxNewTokens int
}

// AudioGenerationResponse carries the encoded clip returned by the generation model.
type AudioGenerationResponse struct {
	Audio       []byte
	ContentType string
}
