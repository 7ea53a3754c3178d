package expr

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/oxidedb/oxidedb/internal/bsonutil"
	"github.com/oxidedb/oxidedb/internal/oxerr"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type opFunc func(args interface{}, env Env) (interface{}, error)

var operators map[string]opFunc

func init() {
	operators = map[string]opFunc{
		"$literal": func(args interface{}, env Env) (interface{}, error) { return args, nil },

		"$add":      arith(func(acc, v float64) float64 { return acc + v }, 0),
		"$subtract": binaryArith(func(a, b float64) float64 { return a - b }),
		"$multiply": arith(func(acc, v float64) float64 { return acc * v }, 1),
		"$divide":   binaryArith(func(a, b float64) float64 { return a / b }),
		"$mod":      binaryArith(func(a, b float64) float64 { return math.Mod(a, b) }),
		"$abs":      unaryArith(math.Abs),
		"$ceil":     unaryArith(math.Ceil),
		"$floor":    unaryArith(math.Floor),
		"$sqrt":     unaryArith(math.Sqrt),
		"$trunc":    unaryArith(math.Trunc),
		"$round":    opRound,

		"$eq":  cmpOp(func(c int) bool { return c == 0 }),
		"$ne":  cmpOp(func(c int) bool { return c != 0 }),
		"$gt":  cmpOp(func(c int) bool { return c > 0 }),
		"$gte": cmpOp(func(c int) bool { return c >= 0 }),
		"$lt":  cmpOp(func(c int) bool { return c < 0 }),
		"$lte": cmpOp(func(c int) bool { return c <= 0 }),
		"$cmp": opCmp,

		"$and": opAnd,
		"$or":  opOr,
		"$not": opNot,

		"$cond":   opCond,
		"$ifNull": opIfNull,
		"$switch": opSwitch,

		"$concat":     opConcat,
		"$toUpper":    opToUpper,
		"$toLower":    opToLower,
		"$substrCP":   opSubstrCP,
		"$strLenCP":   opStrLenCP,
		"$trim":       opTrim,
		"$split":      opSplit,
		"$indexOfCP":  opIndexOfCP,
		"$replaceOne": opReplaceOne,
		"$replaceAll": opReplaceAll,

		"$size":        opSize,
		"$arrayElemAt": opArrayElemAt,
		"$slice":       opArraySlice,
		"$in":          opIn,
		"$concatArrays": opConcatArrays,
		"$filter":      opFilter,
		"$map":         opMap,
		"$reduce":      opReduce,
		"$range":       opRange,
		"$reverseArray": opReverseArray,
		"$mergeObjects": opMergeObjects,

		"$let": opLet,

		"$dateToString":   opDateToString,
		"$dateFromString": opDateFromString,
		"$year":           dateField(func(t time.Time) int { return t.Year() }),
		"$month":          dateField(func(t time.Time) int { return int(t.Month()) }),
		"$dayOfMonth":     dateField(func(t time.Time) int { return t.Day() }),
		"$hour":           dateField(func(t time.Time) int { return t.Hour() }),
		"$minute":         dateField(func(t time.Time) int { return t.Minute() }),
		"$second":         dateField(func(t time.Time) int { return t.Second() }),

		"$toString": opToString,
		"$toInt":    opToInt,
		"$toLong":   opToLong,
		"$toDouble": opToDouble,
		"$toBool":   opToBool,
		"$toDate":   opToDate,
		"$type":     opType,

		"$meta": opMeta,
	}
}

func evalFloat(v interface{}) (float64, error) {
	if v == nil {
		return 0, nil
	}
	return wantFloat(v)
}

func arith(fold func(acc, v float64) float64, seed float64) opFunc {
	return func(args interface{}, env Env) (interface{}, error) {
		vals, err := evalArgs(args, env)
		if err != nil {
			return nil, err
		}
		acc := seed
		allInt := true
		for _, v := range vals {
			f, err := evalFloat(v)
			if err != nil {
				return nil, err
			}
			if !bsonutil.IsInteger(v) {
				allInt = false
			}
			acc = fold(acc, f)
		}
		if allInt {
			return int64(acc), nil
		}
		return acc, nil
	}
}

func binaryArith(fn func(a, b float64) float64) opFunc {
	return func(args interface{}, env Env) (interface{}, error) {
		vals, err := evalArgs(args, env)
		if err != nil {
			return nil, err
		}
		if len(vals) != 2 {
			return nil, oxerr.FailedToParse("expects exactly 2 arguments")
		}
		a, err := evalFloat(vals[0])
		if err != nil {
			return nil, err
		}
		b, err := evalFloat(vals[1])
		if err != nil {
			return nil, err
		}
		return fn(a, b), nil
	}
}

func unaryArith(fn func(float64) float64) opFunc {
	return func(args interface{}, env Env) (interface{}, error) {
		v, err := Eval(args, env)
		if err != nil {
			return nil, err
		}
		f, err := evalFloat(v)
		if err != nil {
			return nil, err
		}
		return fn(f), nil
	}
}

func opRound(args interface{}, env Env) (interface{}, error) {
	vals, err := evalArgs(args, env)
	if err != nil {
		return nil, err
	}
	f, err := evalFloat(arg(vals, 0))
	if err != nil {
		return nil, err
	}
	place := 0.0
	if len(vals) > 1 {
		place, _ = evalFloat(vals[1])
	}
	mult := math.Pow(10, place)
	return math.Round(f*mult) / mult, nil
}

func cmpOp(pred func(c int) bool) opFunc {
	return func(args interface{}, env Env) (interface{}, error) {
		vals, err := evalArgs(args, env)
		if err != nil {
			return nil, err
		}
		if len(vals) != 2 {
			return nil, oxerr.FailedToParse("expects exactly 2 arguments")
		}
		return pred(bsonutil.Compare(vals[0], vals[1])), nil
	}
}

func opCmp(args interface{}, env Env) (interface{}, error) {
	vals, err := evalArgs(args, env)
	if err != nil {
		return nil, err
	}
	if len(vals) != 2 {
		return nil, oxerr.FailedToParse("$cmp expects exactly 2 arguments")
	}
	c := bsonutil.Compare(vals[0], vals[1])
	switch {
	case c < 0:
		return -1, nil
	case c > 0:
		return 1, nil
	default:
		return 0, nil
	}
}

func opAnd(args interface{}, env Env) (interface{}, error) {
	vals, err := evalArgs(args, env)
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		if !bsonutil.Truthy(v) {
			return false, nil
		}
	}
	return true, nil
}

func opOr(args interface{}, env Env) (interface{}, error) {
	vals, err := evalArgs(args, env)
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		if bsonutil.Truthy(v) {
			return true, nil
		}
	}
	return false, nil
}

func opNot(args interface{}, env Env) (interface{}, error) {
	vals, err := evalArgs(args, env)
	if err != nil {
		return nil, err
	}
	return !bsonutil.Truthy(arg(vals, 0)), nil
}

func opCond(args interface{}, env Env) (interface{}, error) {
	if m, ok := bsonutil.ToM(args); ok {
		ifV, err := Eval(m["if"], env)
		if err != nil {
			return nil, err
		}
		if bsonutil.Truthy(ifV) {
			return Eval(m["then"], env)
		}
		return Eval(m["else"], env)
	}
	arr, ok := bsonutil.ToA(args)
	if !ok || len(arr) != 3 {
		return nil, oxerr.FailedToParse("$cond expects 3 arguments or {if,then,else}")
	}
	ifV, err := Eval(arr[0], env)
	if err != nil {
		return nil, err
	}
	if bsonutil.Truthy(ifV) {
		return Eval(arr[1], env)
	}
	return Eval(arr[2], env)
}

func opIfNull(args interface{}, env Env) (interface{}, error) {
	arr, ok := bsonutil.ToA(args)
	if !ok {
		return Eval(args, env)
	}
	for _, a := range arr {
		v, err := Eval(a, env)
		if err != nil {
			return nil, err
		}
		if v != nil {
			return v, nil
		}
	}
	return nil, nil
}

func opSwitch(args interface{}, env Env) (interface{}, error) {
	m, ok := bsonutil.ToM(args)
	if !ok {
		return nil, oxerr.FailedToParse("$switch requires a document argument")
	}
	branches, _ := bsonutil.ToA(m["branches"])
	for _, b := range branches {
		bm, ok := bsonutil.ToM(b)
		if !ok {
			continue
		}
		caseV, err := Eval(bm["case"], env)
		if err != nil {
			return nil, err
		}
		if bsonutil.Truthy(caseV) {
			return Eval(bm["then"], env)
		}
	}
	if def, ok := m["default"]; ok {
		return Eval(def, env)
	}
	return nil, oxerr.FailedToParse("$switch: no branch matched and no default was specified")
}

func opConcat(args interface{}, env Env) (interface{}, error) {
	vals, err := evalArgs(args, env)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	for _, v := range vals {
		if v == nil {
			return nil, nil
		}
		s, ok := v.(string)
		if !ok {
			return nil, oxerr.TypeMismatch("$concat only supports strings")
		}
		sb.WriteString(s)
	}
	return sb.String(), nil
}

func opToUpper(args interface{}, env Env) (interface{}, error) {
	v, err := Eval(args, env)
	if err != nil {
		return nil, err
	}
	s, _ := v.(string)
	return strings.ToUpper(s), nil
}

func opToLower(args interface{}, env Env) (interface{}, error) {
	v, err := Eval(args, env)
	if err != nil {
		return nil, err
	}
	s, _ := v.(string)
	return strings.ToLower(s), nil
}

func opTrim(args interface{}, env Env) (interface{}, error) {
	m, ok := bsonutil.ToM(args)
	if !ok {
		return nil, oxerr.FailedToParse("$trim requires a document argument")
	}
	inV, err := Eval(m["input"], env)
	if err != nil {
		return nil, err
	}
	s, _ := inV.(string)
	cutset := " \t\n\r"
	if ch, ok := m["chars"]; ok {
		chv, err := Eval(ch, env)
		if err != nil {
			return nil, err
		}
		if cs, ok := chv.(string); ok {
			cutset = cs
		}
	}
	return strings.Trim(s, cutset), nil
}

func opSplit(args interface{}, env Env) (interface{}, error) {
	vals, err := evalArgs(args, env)
	if err != nil {
		return nil, err
	}
	if len(vals) != 2 {
		return nil, oxerr.FailedToParse("$split expects exactly 2 arguments")
	}
	s, err := wantString(arg(vals, 0))
	if err != nil {
		return nil, err
	}
	delim, err := wantString(arg(vals, 1))
	if err != nil {
		return nil, err
	}
	parts := strings.Split(s, delim)
	out := make(bson.A, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out, nil
}

func opSubstrCP(args interface{}, env Env) (interface{}, error) {
	vals, err := evalArgs(args, env)
	if err != nil {
		return nil, err
	}
	if len(vals) != 3 {
		return nil, oxerr.FailedToParse("$substrCP expects exactly 3 arguments")
	}
	s, err := wantString(arg(vals, 0))
	if err != nil {
		return nil, err
	}
	runes := []rune(s)
	start, _ := bsonutil.AsInt64(vals[1])
	length, _ := bsonutil.AsInt64(vals[2])
	if start < 0 {
		start = 0
	}
	if start > int64(len(runes)) {
		start = int64(len(runes))
	}
	end := start + length
	if end > int64(len(runes)) {
		end = int64(len(runes))
	}
	if end < start {
		end = start
	}
	return string(runes[start:end]), nil
}

func opStrLenCP(args interface{}, env Env) (interface{}, error) {
	v, err := Eval(args, env)
	if err != nil {
		return nil, err
	}
	s, err := wantString(v)
	if err != nil {
		return nil, err
	}
	return int64(len([]rune(s))), nil
}

func opIndexOfCP(args interface{}, env Env) (interface{}, error) {
	vals, err := evalArgs(args, env)
	if err != nil {
		return nil, err
	}
	if len(vals) < 2 {
		return nil, oxerr.FailedToParse("$indexOfCP expects at least 2 arguments")
	}
	s, err := wantString(arg(vals, 0))
	if err != nil {
		return nil, err
	}
	sub, err := wantString(arg(vals, 1))
	if err != nil {
		return nil, err
	}
	idx := strings.Index(s, sub)
	if idx < 0 {
		return int64(-1), nil
	}
	return int64(len([]rune(s[:idx]))), nil
}

func opReplaceOne(args interface{}, env Env) (interface{}, error) {
	m, ok := bsonutil.ToM(args)
	if !ok {
		return nil, oxerr.FailedToParse("$replaceOne requires a document argument")
	}
	return replaceN(m, env, 1)
}

func opReplaceAll(args interface{}, env Env) (interface{}, error) {
	m, ok := bsonutil.ToM(args)
	if !ok {
		return nil, oxerr.FailedToParse("$replaceAll requires a document argument")
	}
	return replaceN(m, env, -1)
}

func replaceN(m bson.M, env Env, n int) (interface{}, error) {
	inV, err := Eval(m["input"], env)
	if err != nil {
		return nil, err
	}
	findV, err := Eval(m["find"], env)
	if err != nil {
		return nil, err
	}
	replV, err := Eval(m["replacement"], env)
	if err != nil {
		return nil, err
	}
	in, _ := inV.(string)
	find, _ := findV.(string)
	repl, _ := replV.(string)
	return strings.Replace(in, find, repl, n), nil
}

func opSize(args interface{}, env Env) (interface{}, error) {
	v, err := Eval(args, env)
	if err != nil {
		return nil, err
	}
	arr, err := wantArray(v)
	if err != nil {
		return nil, err
	}
	return int64(len(arr)), nil
}

func opArrayElemAt(args interface{}, env Env) (interface{}, error) {
	vals, err := evalArgs(args, env)
	if err != nil {
		return nil, err
	}
	if len(vals) != 2 {
		return nil, oxerr.FailedToParse("$arrayElemAt expects exactly 2 arguments")
	}
	arr, err := wantArray(vals[0])
	if err != nil {
		return nil, err
	}
	idx, _ := bsonutil.AsInt64(vals[1])
	if idx < 0 {
		idx = int64(len(arr)) + idx
	}
	if idx < 0 || idx >= int64(len(arr)) {
		return nil, nil
	}
	return arr[idx], nil
}

func opArraySlice(args interface{}, env Env) (interface{}, error) {
	vals, err := evalArgs(args, env)
	if err != nil {
		return nil, err
	}
	arr, err := wantArray(arg(vals, 0))
	if err != nil {
		return nil, err
	}
	if len(vals) == 2 {
		n, _ := bsonutil.AsInt64(vals[1])
		return sliceN(arr, n), nil
	}
	if len(vals) == 3 {
		pos, _ := bsonutil.AsInt64(vals[1])
		n, _ := bsonutil.AsInt64(vals[2])
		if pos < 0 {
			pos = int64(len(arr)) + pos
			if pos < 0 {
				pos = 0
			}
		}
		if pos > int64(len(arr)) {
			pos = int64(len(arr))
		}
		end := pos + n
		if end > int64(len(arr)) {
			end = int64(len(arr))
		}
		if end < pos {
			end = pos
		}
		return arr[pos:end], nil
	}
	return nil, oxerr.FailedToParse("$slice expects 2 or 3 arguments")
}

func sliceN(arr bson.A, n int64) bson.A {
	if n >= 0 {
		if n > int64(len(arr)) {
			n = int64(len(arr))
		}
		return arr[:n]
	}
	n = -n
	if n > int64(len(arr)) {
		n = int64(len(arr))
	}
	return arr[int64(len(arr))-n:]
}

func opIn(args interface{}, env Env) (interface{}, error) {
	vals, err := evalArgs(args, env)
	if err != nil {
		return nil, err
	}
	if len(vals) != 2 {
		return nil, oxerr.FailedToParse("$in expects exactly 2 arguments")
	}
	arr, err := wantArray(vals[1])
	if err != nil {
		return nil, err
	}
	for _, v := range arr {
		if bsonutil.Equal(v, vals[0]) {
			return true, nil
		}
	}
	return false, nil
}

func opConcatArrays(args interface{}, env Env) (interface{}, error) {
	vals, err := evalArgs(args, env)
	if err != nil {
		return nil, err
	}
	var out bson.A
	for _, v := range vals {
		arr, err := wantArray(v)
		if err != nil {
			return nil, err
		}
		out = append(out, arr...)
	}
	return out, nil
}

func opReverseArray(args interface{}, env Env) (interface{}, error) {
	v, err := Eval(args, env)
	if err != nil {
		return nil, err
	}
	arr, err := wantArray(v)
	if err != nil {
		return nil, err
	}
	out := make(bson.A, len(arr))
	for i, e := range arr {
		out[len(arr)-1-i] = e
	}
	return out, nil
}

func opRange(args interface{}, env Env) (interface{}, error) {
	vals, err := evalArgs(args, env)
	if err != nil {
		return nil, err
	}
	if len(vals) < 2 {
		return nil, oxerr.FailedToParse("$range expects at least 2 arguments")
	}
	start, _ := bsonutil.AsInt64(arg(vals, 0))
	end, _ := bsonutil.AsInt64(arg(vals, 1))
	step := int64(1)
	if len(vals) > 2 {
		step, _ = bsonutil.AsInt64(vals[2])
	}
	if step == 0 {
		return nil, oxerr.FailedToParse("$range step must not be zero")
	}
	var out bson.A
	if step > 0 {
		for i := start; i < end; i += step {
			out = append(out, i)
		}
	} else {
		for i := start; i > end; i += step {
			out = append(out, i)
		}
	}
	if out == nil {
		out = bson.A{}
	}
	return out, nil
}

func opMergeObjects(args interface{}, env Env) (interface{}, error) {
	vals, err := evalArgs(args, env)
	if err != nil {
		return nil, err
	}
	out := bson.M{}
	for _, v := range vals {
		m, ok := bsonutil.ToM(v)
		if !ok {
			continue
		}
		for k, val := range m {
			out[k] = val
		}
	}
	return out, nil
}

func opFilter(args interface{}, env Env) (interface{}, error) {
	m, ok := bsonutil.ToM(args)
	if !ok {
		return nil, oxerr.FailedToParse("$filter requires a document argument")
	}
	inV, err := Eval(m["input"], env)
	if err != nil {
		return nil, err
	}
	arr, err := wantArray(inV)
	if err != nil {
		return nil, err
	}
	asName := "this"
	if a, ok := m["as"].(string); ok {
		asName = a
	}
	var out bson.A
	for _, elem := range arr {
		sub := env.WithVar(asName, elem)
		cond, err := Eval(m["cond"], sub)
		if err != nil {
			return nil, err
		}
		if bsonutil.Truthy(cond) {
			out = append(out, elem)
		}
	}
	if out == nil {
		out = bson.A{}
	}
	return out, nil
}

func opMap(args interface{}, env Env) (interface{}, error) {
	m, ok := bsonutil.ToM(args)
	if !ok {
		return nil, oxerr.FailedToParse("$map requires a document argument")
	}
	inV, err := Eval(m["input"], env)
	if err != nil {
		return nil, err
	}
	arr, err := wantArray(inV)
	if err != nil {
		return nil, err
	}
	asName := "this"
	if a, ok := m["as"].(string); ok {
		asName = a
	}
	out := make(bson.A, len(arr))
	for i, elem := range arr {
		sub := env.WithVar(asName, elem)
		r, err := Eval(m["in"], sub)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

func opReduce(args interface{}, env Env) (interface{}, error) {
	m, ok := bsonutil.ToM(args)
	if !ok {
		return nil, oxerr.FailedToParse("$reduce requires a document argument")
	}
	inV, err := Eval(m["input"], env)
	if err != nil {
		return nil, err
	}
	arr, err := wantArray(inV)
	if err != nil {
		return nil, err
	}
	acc, err := Eval(m["initialValue"], env)
	if err != nil {
		return nil, err
	}
	for _, elem := range arr {
		sub := env.WithVar("value", acc).WithVar("this", elem)
		acc, err = Eval(m["in"], sub)
		if err != nil {
			return nil, err
		}
	}
	return acc, nil
}

func opLet(args interface{}, env Env) (interface{}, error) {
	m, ok := bsonutil.ToM(args)
	if !ok {
		return nil, oxerr.FailedToParse("$let requires a document argument")
	}
	varsDoc, _ := bsonutil.ToM(m["vars"])
	sub := env
	for k, v := range varsDoc {
		val, err := Eval(v, env)
		if err != nil {
			return nil, err
		}
		sub = sub.WithVar(k, val)
	}
	return Eval(m["in"], sub)
}

func dateField(extract func(time.Time) int) opFunc {
	return func(args interface{}, env Env) (interface{}, error) {
		v, err := Eval(args, env)
		if err != nil {
			return nil, err
		}
		t, err := wantTime(v)
		if err != nil {
			return nil, err
		}
		return int32(extract(t.UTC())), nil
	}
}

func opDateToString(args interface{}, env Env) (interface{}, error) {
	m, ok := bsonutil.ToM(args)
	if !ok {
		return nil, oxerr.FailedToParse("$dateToString requires a document argument")
	}
	dateV, err := Eval(m["date"], env)
	if err != nil {
		return nil, err
	}
	if dateV == nil {
		if onNull, ok := m["onNull"]; ok {
			return Eval(onNull, env)
		}
		return nil, nil
	}
	t, err := wantTime(dateV)
	if err != nil {
		return nil, err
	}
	layout := "%Y-%m-%dT%H:%M:%S.%LZ"
	if fv, ok := m["format"]; ok {
		fe, err := Eval(fv, env)
		if err != nil {
			return nil, err
		}
		if fs, ok := fe.(string); ok {
			layout = fs
		}
	}
	return formatMongoDate(t.UTC(), layout), nil
}

// formatMongoDate renders t using MongoDB's %-directive date format
// language (a small, fixed subset is supported).
func formatMongoDate(t time.Time, format string) string {
	var sb strings.Builder
	for i := 0; i < len(format); i++ {
		if format[i] != '%' || i+1 >= len(format) {
			sb.WriteByte(format[i])
			continue
		}
		i++
		switch format[i] {
		case 'Y':
			fmt.Fprintf(&sb, "%04d", t.Year())
		case 'm':
			fmt.Fprintf(&sb, "%02d", int(t.Month()))
		case 'd':
			fmt.Fprintf(&sb, "%02d", t.Day())
		case 'H':
			fmt.Fprintf(&sb, "%02d", t.Hour())
		case 'M':
			fmt.Fprintf(&sb, "%02d", t.Minute())
		case 'S':
			fmt.Fprintf(&sb, "%02d", t.Second())
		case 'L':
			fmt.Fprintf(&sb, "%03d", t.Nanosecond()/1e6)
		case '%':
			sb.WriteByte('%')
		default:
			sb.WriteByte('%')
			sb.WriteByte(format[i])
		}
	}
	return sb.String()
}

func opDateFromString(args interface{}, env Env) (interface{}, error) {
	m, ok := bsonutil.ToM(args)
	if !ok {
		return nil, oxerr.FailedToParse("$dateFromString requires a document argument")
	}
	dsV, err := Eval(m["dateString"], env)
	if err != nil {
		return nil, err
	}
	s, ok := dsV.(string)
	if !ok {
		if onError, ok := m["onError"]; ok {
			return Eval(onError, env)
		}
		return nil, oxerr.FailedToParse("$dateFromString: dateString must be a string")
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05.000Z", "2006-01-02T15:04:05Z", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return primitive.NewDateTimeFromTime(t), nil
		}
	}
	if onError, ok := m["onError"]; ok {
		return Eval(onError, env)
	}
	return nil, oxerr.FailedToParse("$dateFromString: could not parse %q as a date", s)
}

func opToString(args interface{}, env Env) (interface{}, error) {
	v, err := Eval(args, env)
	if err != nil {
		return nil, err
	}
	return stringify(v), nil
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return t.Time().UTC().Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func opToInt(args interface{}, env Env) (interface{}, error) {
	v, err := Eval(args, env)
	if err != nil {
		return nil, err
	}
	return toIntLike(v, func(i int64) interface{} { return int32(i) })
}

func opToLong(args interface{}, env Env) (interface{}, error) {
	v, err := Eval(args, env)
	if err != nil {
		return nil, err
	}
	return toIntLike(v, func(i int64) interface{} { return i })
}

func toIntLike(v interface{}, wrap func(int64) interface{}) (interface{}, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return nil, oxerr.FailedToParse("cannot convert string %q to integer", t)
		}
		return wrap(n), nil
	case bool:
		if t {
			return wrap(1), nil
		}
		return wrap(0), nil
	default:
		f, err := wantFloat(v)
		if err != nil {
			return nil, err
		}
		return wrap(int64(f)), nil
	}
}

func opToDouble(args interface{}, env Env) (interface{}, error) {
	v, err := Eval(args, env)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil, oxerr.FailedToParse("cannot convert string %q to double", t)
		}
		return f, nil
	case bool:
		if t {
			return 1.0, nil
		}
		return 0.0, nil
	default:
		return wantFloat(v)
	}
}

func opToBool(args interface{}, env Env) (interface{}, error) {
	v, err := Eval(args, env)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return bsonutil.Truthy(v), nil
}

func opToDate(args interface{}, env Env) (interface{}, error) {
	v, err := Eval(args, env)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case nil:
		return nil, nil
	case primitive.DateTime, time.Time:
		return v, nil
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05.000Z", "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return primitive.NewDateTimeFromTime(parsed), nil
			}
		}
		return nil, oxerr.FailedToParse("cannot convert string %q to date", t)
	default:
		return nil, oxerr.TypeMismatch("cannot convert %T to date", v)
	}
}

func opType(args interface{}, env Env) (interface{}, error) {
	v, err := Eval(args, env)
	if err != nil {
		return nil, err
	}
	return bsonTypeName(v), nil
}

func bsonTypeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case int32:
		return "int"
	case int64:
		return "long"
	case int:
		return "int"
	case float64:
		return "double"
	case string:
		return "string"
	case bson.M, map[string]interface{}, bson.D:
		return "object"
	case bson.A, []interface{}:
		return "array"
	case primitive.ObjectID:
		return "objectId"
	case primitive.DateTime, time.Time:
		return "date"
	case primitive.Binary:
		return "binData"
	case primitive.Regex:
		return "regex"
	case primitive.Timestamp:
		return "timestamp"
	case primitive.Decimal128:
		return "decimal"
	default:
		return "unknown"
	}
}

// opMeta supports {$meta: "textScore"}, the relevance score populated by a
// $text-backed query; pipeline execution stashes the score under a reserved
// field before handing the document to expression evaluation.
func opMeta(args interface{}, env Env) (interface{}, error) {
	s, _ := args.(string)
	if s != "textScore" {
		return nil, oxerr.FailedToParse("$meta: unsupported metadata key %q", s)
	}
	root := normalizeRoot(env.Current)
	if v, ok := root["$textScore"]; ok {
		return v, nil
	}
	return 0.0, nil
}
