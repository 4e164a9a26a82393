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
	"fmt"
	"os"
	"strings"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/decoder"
	"github.com/sugarme/tokenizer/model"
	"github.com/sugarme/tokenizer/model/wordpiece"
	"github.com/sugarme/tokenizer/normalizer"
	"github.com/sugarme/tokenizer/pretokenizer"
	"github.com/sugarme/tokenizer/processor"
	"github.com/sugarme/tokenizer/util"
)

// Counter counts tokens without building full encodings. Used to pick
// sequence buckets and enforce prompt length limits cheaply.
type Counter interface {
	// CountTokens returns the number of tokens in the text. Returns a
	// character-based estimate on error.
	CountTokens(text string) int
}

// WordPieceCounter counts tokens with BERT's WordPiece tokenization, built
// from a vocab.txt file on disk.
type WordPieceCounter struct {
	tokenizer *tokenizer.Tokenizer
}

// NewWordPieceCounter creates a counter from a BERT-style vocab file, one
// token per line with the ID given by the line number.
func NewWordPieceCounter(vocabPath string) (*WordPieceCounter, error) {
	content, err := os.ReadFile(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("reading vocab file: %w", err)
	}

	vocab := make(model.Vocab)
	for i, line := range strings.Split(string(content), "\n") {
		if line != "" {
			vocab[strings.TrimRight(line, "\r")] = i
		}
	}

	opts := util.NewParams(map[string]any{
		"unk_token": "[UNK]",
	})
	wp, err := wordpiece.New(vocab, opts)
	if err != nil {
		return nil, fmt.Errorf("creating wordpiece model: %w", err)
	}

	tk := tokenizer.NewTokenizer(wp)
	tk.WithNormalizer(normalizer.NewBertNormalizer(true, true, true, true))
	tk.WithPreTokenizer(pretokenizer.NewBertPreTokenizer())

	sepID, ok := tk.TokenToId("[SEP]")
	if !ok {
		return nil, fmt.Errorf("cannot find ID for [SEP] token")
	}
	clsID, ok := tk.TokenToId("[CLS]")
	if !ok {
		return nil, fmt.Errorf("cannot find ID for [CLS] token")
	}
	tk.WithPostProcessor(processor.NewBertProcessing(
		processor.PostToken{Id: sepID, Value: "[SEP]"},
		processor.PostToken{Id: clsID, Value: "[CLS]"},
	))

	tk.AddSpecialTokens([]tokenizer.AddedToken{tokenizer.NewAddedToken("[MASK]", true)})
	tk.AddSpecialTokens([]tokenizer.AddedToken{tokenizer.NewAddedToken("[SEP]", true)})
	tk.AddSpecialTokens([]tokenizer.AddedToken{tokenizer.NewAddedToken("[CLS]", true)})
	tk.WithDecoder(decoder.DefaultWordpieceDecoder())

	return &WordPieceCounter{tokenizer: tk}, nil
}

// CountTokens returns the number of tokens in the text. A recover wrapper
// guards against panics in the underlying library (BertNormalizer has a
// bounds check bug in TransformRange); the fallback is a rough 4-chars-per-
// token estimate.
func (t *WordPieceCounter) CountTokens(text string) (count int) {
	if text == "" {
		return 0
	}
	defer func() {
		if r := recover(); r != nil {
			count = len(text) / 4
		}
	}()

	enc, err := t.tokenizer.EncodeSingle(text)
	if err != nil {
		return len(text) / 4
	}
	return len(enc.Ids)
}

// BPECounter counts tokens with OpenAI's tiktoken BPE encodings. Good for
// GPT-style models and code.
type BPECounter struct {
	tiktoken *tiktoken.Tiktoken
}

func init() {
	// Offline loader keeps tiktoken from fetching dictionaries over the
	// network at first use.
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// NewBPECounter creates a BPE counter for the named tiktoken encoding:
// "cl100k_base" (GPT-4 family, the default), "o200k_base", "p50k_base",
// or "r50k_base".
func NewBPECounter(encoding string) (*BPECounter, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	tk, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("getting tiktoken encoding %q: %w", encoding, err)
	}
	return &BPECounter{tiktoken: tk}, nil
}

// CountTokens returns the number of tokens in the text.
func (t *BPECounter) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(t.tiktoken.Encode(text, nil, nil))
}
