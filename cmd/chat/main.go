package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/leonaiuv/ai-chat-app/internal/chat"
	"github.com/leonaiuv/ai-chat-app/internal/cli"
	"github.com/leonaiuv/ai-chat-app/internal/config"
	"github.com/leonaiuv/ai-chat-app/internal/controller"
	"github.com/leonaiuv/ai-chat-app/internal/retry"
	"github.com/leonaiuv/ai-chat-app/internal/storage"
	"github.com/leonaiuv/ai-chat-app/internal/utils"
	"github.com/leonaiuv/ai-chat-app/pkg/logger"

	"github.com/spf13/cobra"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:          "chat",
		Short:        "DeepSeek 终端聊天客户端",
		Long:         "通过中继服务与 DeepSeek 模型对话，会话记录保存在本地。",
		SilenceUsage: true,
		RunE:         runChat,
	}

	backupCmd = &cobra.Command{
		Use:   "backup",
		Short: "备份本地会话数据",
		RunE:  runBackup,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./configs/config.yaml", "配置文件路径")
	rootCmd.AddCommand(backupCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup 加载配置、初始化日志并打开本地存储
func setup() (*config.Config, storage.Storage, error) {
	path := configPath
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}

	st, err := storage.New(cfg.Storage)
	if err != nil {
		return nil, nil, err
	}

	// 日志写入文件，避免打断终端上的流式输出
	if cfg.Storage.DataDir != "" {
		if f, err := os.OpenFile(filepath.Join(cfg.Storage.DataDir, "chat.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			logger.SetOutput(f)
		}
	}
	return cfg, st, nil
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, st, err := setup()
	if err != nil {
		return err
	}
	defer st.Close()

	transport := controller.NewHTTPTransport(
		cfg.Client.RelayURL,
		utils.NewHTTPClient(cfg.Upstream.Timeout, cfg.Upstream.DebugRequest),
	)
	client, err := chat.New(chat.Options{
		Storage:   st,
		Transport: transport,
		Controller: []controller.Option{
			controller.WithRetryPolicy(retry.FromConfig(cfg.Retry)),
			controller.WithStuckTimeout(cfg.Client.StuckTimeout),
		},
		SaveDebounce: cfg.Storage.SaveDebounce,
		APIKey:       cfg.Client.APIKey,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	// 没有保存过模型选择时使用配置的默认模型
	if _, err := st.Get(storage.KeySelectedModel); errors.Is(err, storage.ErrNotFound) && cfg.Client.DefaultModel != "" {
		if err := client.SetModel(cfg.Client.DefaultModel); err != nil {
			logger.Warnf("ignore default model: %v", err)
		}
	}

	var history string
	if cfg.Storage.DataDir != "" {
		history = filepath.Join(cfg.Storage.DataDir, "chat_history")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return cli.NewREPL(client, cmd.OutOrStdout(), history).Run(ctx)
}

func runBackup(cmd *cobra.Command, args []string) error {
	_, st, err := setup()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Backup(); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "备份完成")
	return nil
}
