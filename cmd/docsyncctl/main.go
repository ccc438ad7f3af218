package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/docstream/docsync"
)

const DocsyncCtlVersion = "0.0.1"

func main() {
	usage := `Docsync control.

Watches a collection query or applies writes against a document sync
endpoint. The endpoint is a websocket url, e.g. wss://sync.example.com/v1.

Usage:
    docsyncctl watch <url> <project> <collection>
        [--database=<db>]
        [--token=<token>]
        [--where=<field=value>]...
        [--order_by=<field>]
        [--limit=<n>]
        [--verbose]
    docsyncctl set <url> <project> <document> <fields_json>
        [--database=<db>]
        [--token=<token>]
        [--verbose]
    docsyncctl delete <url> <project> <document>
        [--database=<db>]
        [--token=<token>]
        [--verbose]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --database=<db>          Database id [default: (default)].
    --token=<token>          Bearer token. Prompted for when omitted.
    --where=<field=value>    Equality filter. Value is parsed as json,
                             falling back to a plain string.
    --order_by=<field>       Order results by this field.
    --limit=<n>              Stop each snapshot at n documents.
    --verbose                Log stream activity to stderr.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DocsyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if verbose, _ := opts.Bool("--verbose"); verbose {
		flag.Set("logtostderr", "true")
		flag.Set("v", "2")
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if set_, _ := opts.Bool("set"); set_ {
		write(opts, false)
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		write(opts, true)
	}
}

func newEngine(ctx context.Context, opts docopt.Opts) (*docsync.SyncEngine, error) {
	url, _ := opts.String("<url>")
	projectId, _ := opts.String("<project>")
	databaseId, _ := opts.String("--database")

	token, _ := opts.String("--token")
	if token == "" {
		fmt.Fprintf(os.Stderr, "Token: ")
		tokenBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintf(os.Stderr, "\n")
		if err != nil {
			return nil, err
		}
		token = strings.TrimSpace(string(tokenBytes))
	}

	tokens := docsync.NewStaticTokenProvider(token)
	dial := docsync.NewWebsocketDialer(url, tokens, docsync.DefaultWebsocketTransportSettings())
	conn := docsync.NewConnWithDefaults(ctx, dial)
	codec := docsync.NewCodec(projectId, databaseId)
	return docsync.NewSyncEngineWithDefaults(ctx, conn, codec, tokens)
}

func watch(opts docopt.Opts) {
	collectionPath, _ := opts.String("<collection>")

	query := docsync.NewCollectionQuery(collectionPath)
	if filters, ok := opts["--where"].([]string); ok {
		for _, filter := range filters {
			field, value, err := parseEqualityFilter(filter)
			if err != nil {
				fmt.Printf("Invalid filter %q (%s).\n", filter, err)
				return
			}
			query = query.Where(field, docsync.OperatorEqual, value)
		}
	}
	if orderBy, err := opts.String("--order_by"); err == nil && orderBy != "" {
		query = query.OrderedBy(orderBy, false)
	}
	if limit, err := opts.Int("--limit"); err == nil && 0 < limit {
		query = query.WithLimit(limit)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := newEngine(cancelCtx, opts)
	if err != nil {
		fmt.Printf("Could not start (%s).\n", err)
		return
	}
	defer engine.Shutdown()

	engine.SetListenErrorHandler(func(query *docsync.QueryDefinition, err error) {
		fmt.Printf("Listen rejected (%s).\n", err)
		cancel()
	})

	registration, err := engine.Listen(query, printSnapshot)
	if err != nil {
		fmt.Printf("Could not listen (%s).\n", err)
		return
	}
	defer registration.Detach()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case <-cancelCtx.Done():
	}
}

func write(opts docopt.Opts, isDelete bool) {
	documentPath, _ := opts.String("<document>")
	key, err := docsync.NewDocumentKey(documentPath)
	if err != nil {
		fmt.Printf("Invalid document path (%s).\n", err)
		return
	}

	var mutation *docsync.Mutation
	if isDelete {
		mutation = docsync.NewDeleteMutation(key)
	} else {
		fieldsJson, _ := opts.String("<fields_json>")
		var fieldValues map[string]any
		if err := json.Unmarshal([]byte(fieldsJson), &fieldValues); err != nil {
			fmt.Printf("Invalid fields json (%s).\n", err)
			return
		}
		fields, err := structpb.NewStruct(fieldValues)
		if err != nil {
			fmt.Printf("Invalid fields (%s).\n", err)
			return
		}
		mutation = docsync.NewSetMutation(key, fields)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := newEngine(cancelCtx, opts)
	if err != nil {
		fmt.Printf("Could not start (%s).\n", err)
		return
	}
	defer engine.Shutdown()

	ack, err := engine.Write(cancelCtx, []*docsync.Mutation{mutation})
	if err != nil {
		fmt.Printf("Could not write (%s).\n", err)
		return
	}

	timeout := 30 * time.Second
	select {
	case err := <-ack:
		if err == nil {
			fmt.Printf("Write committed.\n")
		} else {
			fmt.Printf("Write rejected (%s).\n", err)
		}
	case <-time.After(timeout):
		fmt.Printf("Write not acked (timeout).\n")
	}
}

func parseEqualityFilter(filter string) (string, any, error) {
	field, valueStr, ok := strings.Cut(filter, "=")
	if !ok || field == "" {
		return "", nil, fmt.Errorf("expected field=value")
	}
	var value any
	if err := json.Unmarshal([]byte(valueStr), &value); err != nil {
		value = valueStr
	}
	return field, value, nil
}

func printSnapshot(snapshot *docsync.ViewSnapshot) {
	source := "server"
	if snapshot.FromCache {
		source = "cache"
	}
	pending := ""
	if snapshot.HasPendingWrites {
		pending = ", pending writes"
	}
	fmt.Printf("-- %d documents (%s%s)\n", len(snapshot.Documents), source, pending)

	for _, change := range snapshot.Changes {
		marker := "~"
		switch change.Kind {
		case docsync.DocumentAdded:
			marker = "+"
		case docsync.DocumentRemoved:
			marker = "-"
		}
		fieldsJson, err := json.Marshal(change.Doc.Fields)
		if err != nil {
			fieldsJson = []byte("{}")
		}
		fmt.Printf("%s %s %s\n", marker, change.Doc.Key, fieldsJson)
	}
}
