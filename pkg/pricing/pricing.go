// Package pricing computes provider call costs for run accounting.
//
// Prices are point-in-time list prices in USD, keyed by provider and model.
// Unknown provider/model pairs cost zero rather than erroring; accounting is
// best-effort and must never fail a run. Self-hosted backends (whisper-server,
// Coqui) are free at the margin and carry no table entry.
package pricing

import (
	"strings"
	"time"
)

// llmRate is USD per one million tokens.
type llmRate struct {
	input  float64
	output float64
}

var llmRates = map[string]llmRate{
	"openai/gpt-4o":                      {input: 2.50, output: 10.00},
	"openai/gpt-4o-mini":                 {input: 0.15, output: 0.60},
	"openai/gpt-4.1":                     {input: 2.00, output: 8.00},
	"openai/gpt-4.1-mini":                {input: 0.40, output: 1.60},
	"anthropic/claude-sonnet-4-20250514": {input: 3.00, output: 15.00},
	"anthropic/claude-3-5-haiku-latest":  {input: 0.80, output: 4.00},
}

// sttRatesPerMinute is USD per minute of audio.
var sttRatesPerMinute = map[string]float64{
	"openai/whisper-1":              0.006,
	"openai/gpt-4o-transcribe":      0.006,
	"openai/gpt-4o-mini-transcribe": 0.003,
}

// ttsRatesPerChar is USD per input character.
var ttsRatesPerChar = map[string]float64{
	"elevenlabs/eleven_turbo_v2_5":      0.00005,
	"elevenlabs/eleven_multilingual_v2": 0.00009,
	"openai/tts-1":                      0.000015,
}

// LLMCost returns the cost of one completion.
func LLMCost(provider, model string, tokensIn, tokensOut int) float64 {
	rate, ok := llmRates[key(provider, model)]
	if !ok {
		return 0
	}
	return float64(tokensIn)/1e6*rate.input + float64(tokensOut)/1e6*rate.output
}

// STTCost returns the cost of transcribing audio of the given duration.
func STTCost(provider, model string, audio time.Duration) float64 {
	rate, ok := sttRatesPerMinute[key(provider, model)]
	if !ok {
		return 0
	}
	return audio.Minutes() * rate
}

// TTSCost returns the cost of synthesizing text of the given length.
func TTSCost(provider, model string, chars int) float64 {
	rate, ok := ttsRatesPerChar[key(provider, model)]
	if !ok {
		return 0
	}
	return float64(chars) * rate
}

func key(provider, model string) string {
	return strings.ToLower(provider) + "/" + strings.ToLower(model)
}
