// Package cmd defines and implements the CLI commands for the markdown-scraper
// executable.
//
// Commands:
//   - worker: consume scrape requests from broker.input_queue and reply on
//     the requester's queue. Serves /healthz, /readyz and /metrics.
//   - gateway: serve POST /v1/scrape and forward each call to a worker.
//   - scrape <url>: one-shot client call; prints Markdown or --json.
//   - convert [file]: run the converter locally on a file or stdin.
//
// Configuration is read from --config and SCRAPER_* environment variables.
// RABBITMQ_URL, RABBITMQ_QUEUE_INPUT and RABBITMQ_QUEUE_OUTPUT are honored
// for existing deployments.
package cmd
