package splitter

import (
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

type SplitterConfig struct {
	ChunkSize      int
	ChunkOverlap   int
	MinChunkLength int
}

// Character splits text into fixed-size chunks along sentence boundaries,
// carrying a character overlap between neighbouring chunks.
type Character struct {
	config SplitterConfig
}

var _ textsplitter.TextSplitter = Character{}

func NewWithConfig(config SplitterConfig) Character {
	if config.ChunkSize == 0 {
		config.ChunkSize = 1000
	}
	if config.ChunkOverlap == 0 {
		config.ChunkOverlap = 200
	}
	if config.MinChunkLength == 0 {
		config.MinChunkLength = 100
	}

	return Character{config: config}
}

func (s Character) SplitText(text string) ([]string, error) {
	text = strings.TrimSpace(strings.Join(strings.Fields(text), " "))
	if text == "" {
		return nil, nil
	}

	var chunks []string
	sentences := splitIntoSentences(text)

	currentChunk := strings.Builder{}

	for _, sentence := range sentences {
		// If adding this sentence would exceed chunk size
		if currentChunk.Len()+len(sentence) > s.config.ChunkSize {
			if currentChunk.Len() >= s.config.MinChunkLength {
				chunks = append(chunks, strings.TrimSpace(currentChunk.String()))
			}

			// Start new chunk with overlap
			if s.config.ChunkOverlap > 0 && currentChunk.Len() > s.config.ChunkOverlap {
				text := currentChunk.String()
				lastPart := text[len(text)-s.config.ChunkOverlap:]
				currentChunk.Reset()
				currentChunk.WriteString(lastPart)
			} else {
				currentChunk.Reset()
			}
		}

		currentChunk.WriteString(sentence)
		currentChunk.WriteString(" ")
	}

	if currentChunk.Len() >= s.config.MinChunkLength {
		chunks = append(chunks, strings.TrimSpace(currentChunk.String()))
	}

	// Short inputs still produce one chunk.
	if len(chunks) == 0 {
		chunks = append(chunks, text)
	}

	return chunks, nil
}

func splitIntoSentences(text string) []string {
	sentenceEnders := []string{". ", "! ", "? ", ".\n", "!\n", "?\n"}
	var sentences []string

	current := strings.Builder{}

	for i := 0; i < len(text); i++ {
		current.WriteByte(text[i])

		// Check for sentence endings
		for _, ender := range sentenceEnders {
			if strings.HasSuffix(current.String(), ender) {
				sentences = append(sentences, strings.TrimSpace(current.String()))
				current.Reset()
				break
			}
		}
	}

	// Add any remaining text
	if current.Len() > 0 {
		sentences = append(sentences, strings.TrimSpace(current.String()))
	}

	return sentences
}
