package db

import (
	"acdb/pkg/storage/page"
	"bufio"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Prompt 交互模式下每行之前打印
const Prompt = "acdb > "

var (
	ErrSyntax                = errors.New("syntax error")
	ErrStringTooLong         = errors.New("string is too long")
	ErrNegativeID            = errors.New("id must be positive")
	ErrUnrecognizedStatement = errors.New("unrecognized statement")
)

type StatementType int

const (
	StatementInsert StatementType = iota
	StatementSelect
)

type Statement struct {
	Type StatementType
	Row  page.Row
}

var (
	reInsert = regexp.MustCompile(`^insert(?:\s+(.*))?$`)
	reSelect = regexp.MustCompile(`^select$`)
)

// Prepare 解析一条语句:
//
//	insert <id> <username> <email>
//	select
func Prepare(line string) (Statement, error) {
	line = strings.TrimSpace(line)

	switch {
	case reSelect.MatchString(line):
		return Statement{Type: StatementSelect}, nil
	case reInsert.MatchString(line):
		return prepareInsert(reInsert.FindStringSubmatch(line)[1])
	default:
		return Statement{}, ErrUnrecognizedStatement
	}
}

func prepareInsert(args string) (Statement, error) {
	fields := strings.Fields(args)
	if len(fields) != 3 {
		return Statement{}, errors.Wrapf(ErrSyntax, "insert takes 3 values, got %d", len(fields))
	}

	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Statement{}, errors.Wrapf(ErrSyntax, "id %q is not a number", fields[0])
	}
	if id < 0 {
		return Statement{}, ErrNegativeID
	}
	if id > math.MaxUint32 {
		return Statement{}, errors.Wrapf(ErrSyntax, "id %d does not fit in 32 bits", id)
	}

	username, email := fields[1], fields[2]
	if len(username) > page.ColumnUsernameSize || len(email) > page.ColumnEmailSize {
		return Statement{}, ErrStringTooLong
	}

	return Statement{
		Type: StatementInsert,
		Row:  page.Row{ID: uint32(id), Username: username, Email: email},
	}, nil
}

// InputError 读输入失败 (不是表的错误)
type InputError struct {
	Err error
}

func (e *InputError) Error() string {
	return "read input: " + e.Err.Error()
}

func (e *InputError) Unwrap() error {
	return e.Err
}

// Session 对表执行元命令和语句，结果写到 Output
type Session struct {
	Table  *Table
	Output io.Writer
}

func NewSession(table *Table, output io.Writer) *Session {
	return &Session{Table: table, Output: output}
}

// Run 逐行执行直到 EOF 或 .exit，prompt 为 true 时每行前打印 Prompt
func (s *Session) Run(in io.Reader, prompt bool) error {
	scanner := bufio.NewScanner(in)
	for {
		if prompt {
			fmt.Fprint(s.Output, Prompt)
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return &InputError{Err: err}
			}
			return nil
		}
		exit, err := s.Execute(scanner.Text())
		if err != nil {
			return err
		}
		if exit {
			return nil
		}
	}
}

// Execute 执行一行输入
// 用户输入错误和插入结果只打印，返回 nil；返回非 nil 说明表已经不可信了
func (s *Session) Execute(line string) (exit bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}

	if strings.HasPrefix(line, ".") {
		return s.doMetaCommand(line)
	}

	stmt, err := Prepare(line)
	switch {
	case err == nil:
	case errors.Is(err, ErrStringTooLong):
		fmt.Fprintln(s.Output, "String is too long.")
		return false, nil
	case errors.Is(err, ErrNegativeID):
		fmt.Fprintln(s.Output, "ID must be positive.")
		return false, nil
	case errors.Is(err, ErrSyntax):
		fmt.Fprintf(s.Output, "Syntax error. Could not parse statement '%s'.\n", line)
		return false, nil
	default:
		fmt.Fprintf(s.Output, "Unrecognized command '%s'\n", line)
		return false, nil
	}

	switch stmt.Type {
	case StatementInsert:
		return false, s.executeInsert(stmt.Row)
	default:
		return false, s.executeSelect()
	}
}

func (s *Session) doMetaCommand(line string) (bool, error) {
	switch line {
	case ".exit":
		return true, nil
	case ".btree":
		tree, err := s.Table.DumpTree()
		if err != nil {
			return false, err
		}
		fmt.Fprint(s.Output, "Tree:\n"+tree)
	case ".constants":
		fmt.Fprint(s.Output, "Constants:\n"+s.Table.Constants())
	case ".stats":
		stats, err := s.Table.Stats()
		if err != nil {
			return false, err
		}
		fmt.Fprint(s.Output, stats)
	default:
		fmt.Fprintf(s.Output, "Unrecognized command '%s'\n", line)
	}
	return false, nil
}

func (s *Session) executeInsert(row page.Row) error {
	result, err := Result(s.Table.Insert(row))
	if err != nil {
		return err
	}
	switch result {
	case ExecuteDuplicateKey:
		fmt.Fprintln(s.Output, "Error: Duplicate key.")
	case ExecuteTableFull:
		fmt.Fprintln(s.Output, "Error: Table full.")
	default:
		fmt.Fprintln(s.Output, "Executed.")
	}
	return nil
}

func (s *Session) executeSelect() error {
	it := s.Table.Scan()
	defer it.Close()

	for it.Next() {
		fmt.Fprintln(s.Output, it.Row())
	}
	if err := it.Err(); err != nil {
		return err
	}
	fmt.Fprintln(s.Output, "Executed.")
	return nil
}
