// Package core holds the shape configuration shared by encoder-decoder models.
package core

import "fmt"

// Config represents the configuration for an encoder-decoder transformer model
type Config struct {
	VocabSize     int
	HiddenDim     int
	EncoderLayers int
	DecoderLayers int
	NumHeads      int
	FFNHiddenDim  int
	MaxLen        int
	Seed          int64
}

// NewDefaultConfig creates a new configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		VocabSize:     32,
		HiddenDim:     16,
		EncoderLayers: 6,
		DecoderLayers: 6,
		NumHeads:      2,
		FFNHiddenDim:  32,
		MaxLen:        64,
		Seed:          1,
	}
}

// NewConfig creates a new configuration with specified values
func NewConfig(vocabSize, hiddenDim, encoderLayers, decoderLayers, numHeads, ffnHiddenDim, maxLen int) *Config {
	return &Config{
		VocabSize:     vocabSize,
		HiddenDim:     hiddenDim,
		EncoderLayers: encoderLayers,
		DecoderLayers: decoderLayers,
		NumHeads:      numHeads,
		FFNHiddenDim:  ffnHiddenDim,
		MaxLen:        maxLen,
	}
}

// Validate reports the first field that cannot describe a model.
func (c *Config) Validate() error {
	switch {
	case c.VocabSize <= 0:
		return fmt.Errorf("vocab size must be positive, got %d", c.VocabSize)
	case c.HiddenDim <= 0:
		return fmt.Errorf("hidden dim must be positive, got %d", c.HiddenDim)
	case c.EncoderLayers < 0 || c.DecoderLayers < 0:
		return fmt.Errorf("layer counts must not be negative, got encoder=%d decoder=%d", c.EncoderLayers, c.DecoderLayers)
	case c.NumHeads <= 0 || c.HiddenDim%c.NumHeads != 0:
		return fmt.Errorf("hidden dim %d must be divisible by %d heads", c.HiddenDim, c.NumHeads)
	case c.FFNHiddenDim <= 0:
		return fmt.Errorf("ffn hidden dim must be positive, got %d", c.FFNHiddenDim)
	case c.MaxLen <= 0:
		return fmt.Errorf("max length must be positive, got %d", c.MaxLen)
	}
	return nil
}

// WithLayers returns a copy of c with different stack depths.
func (c Config) WithLayers(encoder, decoder int) *Config {
	c.EncoderLayers = encoder
	c.DecoderLayers = decoder
	return &c
}
