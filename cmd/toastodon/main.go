// Command toastodon はMastodonのホームタイムラインをデスクトップ通知として表示する常駐プログラム。
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/toastodon/internal/app"
)

func main() {
	if err := app.Run(os.Stderr, os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "toastodon:", err)
		os.Exit(1)
	}
}
