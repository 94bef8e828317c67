// Package sub streams watched transactions from JungleBus into the wallet's
// unverified set.
package sub

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/b-open-io/go-junglebus"
	"github.com/b-open-io/go-junglebus/models"
	"github.com/bsv-blockchain/go-sdk/chainhash"

	"github.com/shruggr/spv-verifier/wallet"
)

type Sub struct {
	Tag          string
	Topic        string
	FromBlock    uint
	IndexBlocks  bool
	IndexMempool bool
	Verbose      bool
	Wallet       *wallet.Store
	JungleBus    *junglebus.Client
}

func (cfg *Sub) Exec(ctx context.Context) (err error) {
	errors := make(chan error)

	var sub *junglebus.Subscription

	eventHandler := junglebus.EventHandler{
		OnStatus: func(status *models.ControlResponse) {
			log.Printf("[STATUS]: %d %v\n", status.StatusCode, status.Message)
			if status.StatusCode == 200 {
				if err := cfg.Wallet.LogProgress(ctx, cfg.Tag, float64(status.Block)); err != nil {
					errors <- err
				}
			} else if status.StatusCode == 999 {
				log.Println(status.Message)
				log.Println("Unsubscribing...")
				sub.Unsubscribe()
				os.Exit(0)
				return
			}
		},
		OnError: func(err error) {
			log.Panicf("[ERROR]: %v\n", err)
		},
	}

	if cfg.IndexBlocks {
		eventHandler.OnTransaction = func(txn *models.TransactionResponse) {
			if cfg.Verbose {
				log.Printf("[TX]: %d - %d: %s\n", txn.BlockHeight, txn.BlockIndex, txn.Id)
			}
			txid, err := chainhash.NewHashFromHex(txn.Id)
			if err != nil {
				log.Printf("[TX]: bad txid %s: %v\n", txn.Id, err)
				return
			}
			if err := cfg.Wallet.AddUnverifiedTx(ctx, *txid, int32(txn.BlockHeight)); err != nil {
				errors <- err
			}
		}
	}
	if cfg.IndexMempool {
		eventHandler.OnMempool = func(txn *models.TransactionResponse) {
			if cfg.Verbose {
				log.Printf("[MEMPOOL]: %s\n", txn.Id)
			}
			txid, err := chainhash.NewHashFromHex(txn.Id)
			if err != nil {
				log.Printf("[MEMPOOL]: bad txid %s: %v\n", txn.Id, err)
				return
			}
			if err := cfg.Wallet.AddUnverifiedTx(ctx, *txid, 0); err != nil {
				errors <- err
			}
		}
	}

	if progress, err := cfg.Wallet.Progress(ctx, cfg.Tag); err != nil {
		log.Panic(err)
	} else if progress > 6 {
		cfg.FromBlock = uint(progress) - 5
	}
	log.Println("Subscribing to Junglebus from block", cfg.FromBlock)
	if sub, err = cfg.JungleBus.SubscribeWithQueue(ctx,
		cfg.Topic,
		uint64(cfg.FromBlock),
		0,
		eventHandler,
		&junglebus.SubscribeOptions{
			QueueSize: 1000,
			LiteMode:  true,
		},
	); err != nil {
		log.Panic(err)
	}
	defer func() {
		sub.Unsubscribe()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err = <-errors:
	case <-sigs:
	case <-ctx.Done():
		err = ctx.Err()
	}
	return err
}
