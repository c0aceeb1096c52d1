package server

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// RunShell starts an interactive SQL prompt against the executor. It is
// the same execution path client connections use, without the wire
// protocol in between. Useful for poking at the backend a running server
// is configured against.
func RunShell(exec Executor) {
	fmt.Fprintln(os.Stderr, "wiregres shell (type \\q to exit)")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, bufio.MaxScanTokenSize), 1024*1024)

	// Ctrl-C abandons the running statement, not the shell.
	ctx, cancel := signalContext()
	defer cancel()

	var buf strings.Builder
	prompt := "wiregres> "
	continuation := "       -> "

	fmt.Fprint(os.Stderr, prompt)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if buf.Len() == 0 && (trimmed == "\\q" || trimmed == "exit" || trimmed == "quit") {
			return
		}

		buf.WriteString(line)
		buf.WriteByte('\n')

		// Statements run at the terminating semicolon.
		if !strings.HasSuffix(trimmed, ";") {
			fmt.Fprint(os.Stderr, continuation)
			continue
		}

		for _, stmt := range splitStatements(buf.String()) {
			runShellStatement(ctx, exec, stmt)
		}
		buf.Reset()
		fmt.Fprint(os.Stderr, prompt)
	}
}

func runShellStatement(ctx context.Context, exec Executor, stmt string) {
	verb, returnsRows, _ := classifyStatement(stmt)

	if !returnsRows {
		n, err := exec.Exec(ctx, stmt, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return
		}
		fmt.Println(buildCommandTag(verb, n))
		return
	}

	rows, err := exec.Query(ctx, stmt, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}
	defer rows.Close()

	cols := rows.Columns()
	names := make([]string, len(cols))
	for i, col := range cols {
		names[i] = col.Name
	}
	fmt.Println(strings.Join(names, " | "))

	var count int64
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return
		}
		cells := make([]string, len(values))
		for i, v := range values {
			if v == nil {
				cells[i] = "NULL"
			} else {
				cells[i] = formatValue(v)
			}
		}
		fmt.Println(strings.Join(cells, " | "))
		count++
	}
	if err := rows.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}
	fmt.Println(buildCommandTag(verb, count))
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
