package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/CryptoLens/lensgate/internal/model"
	"github.com/CryptoLens/lensgate/internal/orchestrator"
)

// 本地调试小工具：打印某个请求的去重指纹和所需的下游服务集合，
// 方便核对缓存键和排队去重行为。
func main() {
	projectID := flag.String("project", "", "project identifier")
	analysisType := flag.String("type", "full", "analysis type (full|onchain|sentiment|tokenomics|team)")
	tokenAddress := flag.String("token", "", "token contract address (0x...)")
	chainID := flag.Int64("chain", 0, "chain id")
	options := flag.String("options", "", "comma-separated key=value analysis options")
	flag.Parse()

	if *projectID == "" {
		fmt.Fprintln(os.Stderr, "usage: inspector -project <id> [-type full] [-token 0x..] [-chain 1] [-options k=v,k2=v2]")
		os.Exit(2)
	}

	req := model.AnalysisRequest{
		ProjectID:    *projectID,
		AnalysisType: model.AnalysisType(*analysisType),
		TokenAddress: *tokenAddress,
		ChainID:      *chainID,
	}
	if *options != "" {
		req.Options = map[string]string{}
		for _, pair := range strings.Split(*options, ",") {
			k, v, ok := strings.Cut(pair, "=")
			if !ok {
				fmt.Fprintf(os.Stderr, "bad option %q, want key=value\n", pair)
				os.Exit(2)
			}
			req.Options[k] = v
		}
	}

	if appErr := orchestrator.ValidateRequest(req); appErr != nil {
		fmt.Fprintln(os.Stderr, "invalid request:", appErr.Message)
		os.Exit(1)
	}

	fmt.Println("fingerprint:", orchestrator.Fingerprint(req))
	fmt.Println("services:   ", strings.Join(model.RequiredServices(req.AnalysisType), ", "))
}
