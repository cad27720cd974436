package sync_test

import (
	"context"
	"fmt"
	"time"

	peermem "github.com/GhostScientist/nearstack/pkg/peer/memory"
	sigmem "github.com/GhostScientist/nearstack/pkg/signal/memory"
	nssync "github.com/GhostScientist/nearstack/pkg/sync"
)

// 两个节点通过进程内信令与内存链路同步一个文档。
func Example() {
	ctx := context.Background()
	hub := sigmem.NewHub()
	board := peermem.NewSwitchboard()

	// 1. 创建节点
	newNode := func(id string) *nssync.Engine {
		return nssync.NewEngine(
			nssync.WithNodeID(id),
			nssync.WithRoom("example"),
			nssync.WithSignaling(hub.NewChannel()),
			nssync.WithTransport(board.Transport()),
		)
	}
	alice := newNode("alice")
	bob := newNode("bob")
	defer alice.Dispose(ctx)
	defer bob.Dispose(ctx)

	// 2. 连接前写入：bob 加入时通过反熵补齐
	if err := alice.Document("notes").Set("title", "groceries"); err != nil {
		fmt.Println("set:", err)
		return
	}

	// 3. 加入房间
	for _, e := range []*nssync.Engine{alice, bob} {
		if err := e.Connect(ctx); err != nil {
			fmt.Println("connect:", err)
			return
		}
	}

	var title string
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ok, _ := bob.Document("notes").Get("title", &title); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	fmt.Println("bob sees:", title)
	// Output: bob sees: groceries
}
