// Command clarivex はClarivexプレミアムサイトのバックエンドを起動する。
//
// サブコマンド:
//
//	serve        HTTPサーバー（デフォルト）
//	worker       Bot通知の再配送とクリーンアップ
//	migrate      データベースマイグレーション
//	healthcheck  /health の疎通確認（Dockerヘルスチェック用）
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/clarivex/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
