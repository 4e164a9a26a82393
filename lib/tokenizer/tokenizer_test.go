// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tokenizer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBPECounter(t *testing.T) {
	counter, err := NewBPECounter("cl100k_base")
	require.NoError(t, err)

	assert.Equal(t, 0, counter.CountTokens(""))

	n := counter.CountTokens("hello world")
	assert.Greater(t, n, 0)
	assert.LessOrEqual(t, n, 4)

	// Counting is deterministic.
	assert.Equal(t, n, counter.CountTokens("hello world"))

	// Longer text yields more tokens.
	assert.Greater(t, counter.CountTokens("the quick brown fox jumps over the lazy dog"), n)
}

func TestBPECounterUnknownEncoding(t *testing.T) {
	_, err := NewBPECounter("not-an-encoding")
	assert.Error(t, err)
}

func TestWordPieceCounter(t *testing.T) {
	vocab := "[PAD]\n[UNK]\n[CLS]\n[SEP]\n[MASK]\nhello\nworld\nfox\n##es\n"
	dir := t.TempDir()
	vocabPath := filepath.Join(dir, "vocab.txt")
	require.NoError(t, os.WriteFile(vocabPath, []byte(vocab), 0644))

	counter, err := NewWordPieceCounter(vocabPath)
	require.NoError(t, err)

	assert.Equal(t, 0, counter.CountTokens(""))

	// "hello world" plus [CLS] and [SEP] from the BERT post-processor.
	assert.Equal(t, 4, counter.CountTokens("hello world"))
}

func TestWordPieceCounterMissingVocab(t *testing.T) {
	_, err := NewWordPieceCounter(filepath.Join(t.TempDir(), "vocab.txt"))
	assert.Error(t, err)
}

func TestLoadMissingTokenizer(t *testing.T) {
	_, err := Load(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no tokenizer found")
}

func TestNormalizeConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "tokenizer_config.json")
	content := `{
		"eos_token": {"__type": "AddedToken", "content": "</s>", "lstrip": false},
		"pad_token": "<pad>",
		"model_max_length": 512
	}`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	normalized, err := normalizeConfig(configPath)
	require.NoError(t, err)

	assert.Contains(t, string(normalized), `"eos_token":"</s>"`)
	assert.Contains(t, string(normalized), `"pad_token":"<pad>"`)
}
