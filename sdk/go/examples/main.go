package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"agentmarket/internal/web3"
	"agentmarket/sdk/go/market"
)

// Walks a buyer through the market against a running marketd:
// publish a task, let a seller claim it, pay and poll the result.
//
//	MARKET_URL=http://localhost:8080 BUYER_KEY=0x... go run ./sdk/go/examples
func main() {
	baseURL := envOr("MARKET_URL", "http://localhost:8080")
	client, err := market.NewClient(baseURL, nil)
	if err != nil {
		panic(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	sellerID := uuid.NewString()
	client.SetAgentID(sellerID)
	if _, err := client.RegisterWithRetry(ctx, market.Registration{
		AgentID:     sellerID,
		AgentName:   "demo-seller",
		BaseURL:     baseURL,
		Description: "demo seller that echoes its input",
		Tags:        []string{"demo"},
	}, market.RetryPolicy{Attempts: 3}); err != nil {
		panic(err)
	}
	fmt.Printf("registered seller %s\n", sellerID)

	summary, err := client.CreateTask(ctx, market.TaskRequest{Description: "summarise the release notes", Complexity: "low"})
	if err != nil {
		panic(err)
	}
	if _, err := client.SubmitClaim(ctx, summary.TaskID, sellerID, market.Terms{Price: "10000", Network: "base-sepolia"}); err != nil {
		panic(err)
	}
	selected, err := client.SelectClaim(ctx, summary.TaskID, "")
	if err != nil {
		panic(err)
	}
	fmt.Printf("task %s awarded to %s\n", summary.TaskID, selected.SellerID)

	signer, err := market.NewLocalSigner(os.Getenv("BUYER_KEY"), web3.DefaultChainDefinitions())
	if err != nil {
		panic(err)
	}
	receipt, err := client.Execute(ctx, market.ExecuteRequest{
		TaskID:          summary.TaskID,
		TaskDescription: "summarise the release notes",
		Secrets:         map[string]string{"API_TOKEN": "demo-token"},
	}, signer)
	if err != nil {
		panic(err)
	}
	if receipt.Settlement != nil {
		fmt.Printf("paid in tx %s\n", receipt.Settlement.Transaction)
	}

	result, err := client.WaitUntilDone(ctx, receipt.TaskID, receipt.BuyerSecret, time.Second)
	if err != nil {
		panic(err)
	}
	fmt.Printf("execution %s finished with status=%s data=%s\n", result.TaskID, result.Status, result.Data)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
