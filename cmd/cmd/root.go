// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/antflydb/loom"
	"github.com/antflydb/loom/lib/hub"
)

// Version is set from main via goreleaser ldflags.
var Version = "dev"

var (
	cfgFile     string
	modelsDir   string
	registryURL string
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:     "loom",
	Short:   "Run ONNX models locally",
	Long:    `Loom runs ONNX models locally: text embeddings, encoder-decoder text generation, and text-to-image diffusion.`,
	Version: Version,
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	defaultModelsDir := ""
	if home, err := os.UserHomeDir(); err == nil {
		defaultModelsDir = filepath.Join(home, ".loom", "models")
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.loom/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&modelsDir, "models-dir", defaultModelsDir, "directory for model bundles")
	rootCmd.PersistentFlags().StringVar(&registryURL, "registry-url", hub.DefaultRegistryURL, "model registry base URL")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	mustBindPFlag("models_dir", rootCmd.PersistentFlags().Lookup("models-dir"))
	mustBindPFlag("registry_url", rootCmd.PersistentFlags().Lookup("registry-url"))
	mustBindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", key, err))
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".loom"))
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("LOOM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "reading config: %v\n", err)
		}
	}
}

// newLogger builds a console logger at the configured level.
func newLogger() *zap.Logger {
	level, err := zap.ParseAtomicLevel(viper.GetString("log_level"))
	if err != nil {
		level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = level
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// newLoom decodes the full config and builds the model registries.
func newLoom(logger *zap.Logger) (*loom.Loom, error) {
	cfg, err := loom.LoadConfig(viper.GetViper())
	if err != nil {
		return nil, err
	}
	return loom.New(cfg, logger)
}
