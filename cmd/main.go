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

// Command loom runs ONNX models locally: text embeddings, encoder-decoder
// text generation, and text-to-image diffusion.
//
// Usage:
//
//	loom pull <model>              # Download a model
//	loom list                      # List local models
//	loom list --remote             # List models available in the registry
//	loom embed "some text"         # Embed text
//	loom generate "a prompt"       # Generate text
//	loom imagine "a prompt"        # Generate an image
package main

import "github.com/antflydb/loom/cmd/cmd"

// https://goreleaser.com/cookbooks/using-main.version/
//
// main.version: current Git tag, or the snapshot name with --snapshot
var version = "dev"

func main() {
	cmd.Version = version
	cmd.Execute()
}
