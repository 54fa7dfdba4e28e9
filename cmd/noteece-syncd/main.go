package main

import (
	"context"
	"log"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/app"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/config"
)

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()
	a, err := app.NewApp(cfg)

	if err != nil {
		log.Printf("%v", err)
		return
	}

	a.Run(ctx)

}
