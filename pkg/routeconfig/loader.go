package routeconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/getmockd/httpmon/pkg/envsub"
)

// ErrInvalidConfig marks a configuration error raised while parsing a
// route tree: missing required fields, a children entry that isn't a
// list, and similar load-time mistakes. It is fatal and never recorded
// into a probe result.
type ErrInvalidConfig struct {
	Path string
	Msg  string
}

func (e *ErrInvalidConfig) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("routeconfig: %s: %s", e.Path, e.Msg)
	}
	return fmt.Sprintf("routeconfig: %s", e.Msg)
}

// LoadFile parses a single YAML or JSON config file (by extension, YAML
// is treated as a strict superset of JSON) and returns the top-level
// route definitions it declares. A file may declare a single route
// object, a bare list of routes, or an object with a "routes" key (or
// the documented "monitors" synonym).
func LoadFile(path string) ([]*RouteConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("routeconfig: read %s: %w", path, err)
	}

	var decoded any
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("routeconfig: parse yaml %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("routeconfig: parse json %s: %w", path, err)
		}
	}
	decoded = normalizeTree(decoded)

	baseDir := filepath.Dir(path)
	entries, err := topLevelEntries(decoded, path)
	if err != nil {
		return nil, err
	}

	routes := make([]*RouteConfig, 0, len(entries))
	for _, entry := range entries {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, &ErrInvalidConfig{Path: path, Msg: "each route entry must be an object"}
		}
		rc, err := FromMap(m, path, baseDir, nil)
		if err != nil {
			return nil, err
		}
		routes = append(routes, rc)
	}
	return routes, nil
}

// topLevelEntries normalizes the three accepted file shapes into a slice
// of per-route maps.
func topLevelEntries(decoded any, path string) ([]any, error) {
	switch v := decoded.(type) {
	case []any:
		return v, nil
	case map[string]any:
		if routes, ok := v["routes"]; ok {
			list, ok := routes.([]any)
			if !ok {
				return nil, &ErrInvalidConfig{Path: path, Msg: "'routes' must be a list"}
			}
			return list, nil
		}
		if routes, ok := v["monitors"]; ok {
			list, ok := routes.([]any)
			if !ok {
				return nil, &ErrInvalidConfig{Path: path, Msg: "'monitors' must be a list"}
			}
			return list, nil
		}
		return []any{v}, nil
	default:
		return nil, &ErrInvalidConfig{Path: path, Msg: "unrecognized top-level config shape"}
	}
}

// LoadDirectory loads every .yaml/.yml/.json file directly under dir (not
// recursively) in lexicographic order, concatenating their top-level
// routes.
func LoadDirectory(dir string) ([]*RouteConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("routeconfig: read dir %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" || ext == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var all []*RouteConfig
	for _, name := range names {
		routes, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		all = append(all, routes...)
	}
	return all, nil
}

// Load loads routes from path, which may be a single config file or a
// directory of config files.
func Load(path string) ([]*RouteConfig, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("routeconfig: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return LoadDirectory(path)
	}
	return LoadFile(path)
}

// normalizeTree converts map[any]any nodes (as yaml.v3 can sometimes
// produce for non-string keys) into map[string]any, recursively.
func normalizeTree(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeTree(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeTree(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeTree(val)
		}
		return out
	default:
		return v
	}
}

// FromMap builds a RouteConfig (and its children, recursively) from a
// decoded route map, following the same field-resolution order as the
// original monitor: local env layering, env substitution, alias
// reconciliation, clamping, and JSON-payload file resolution.
func FromMap(raw map[string]any, sourcePath string, baseDir string, parentEnv map[string]string) (*RouteConfig, error) {
	effectiveEnv := parentEnv
	if envBlock, ok := raw["env"]; ok && envBlock != nil {
		overlay, ok := envBlock.(map[string]any)
		if !ok {
			return nil, &ErrInvalidConfig{Path: sourcePath, Msg: "'env' must be an object"}
		}
		strOverlay := make(map[string]string, len(overlay))
		for k, v := range overlay {
			strOverlay[k] = fmt.Sprint(v)
		}
		effectiveEnv = envsub.BuildMap(parentEnv, strOverlay)
	}
	if effectiveEnv == nil {
		effectiveEnv = envsub.BuildMap(nil, nil)
	}

	childrenRaw, _ := raw["children"].([]any)
	if _, present := raw["children"]; present && raw["children"] != nil {
		if _, ok := raw["children"].([]any); !ok {
			return nil, &ErrInvalidConfig{Path: sourcePath, Msg: "'children' must be a list"}
		}
	}

	local := make(map[string]any, len(raw))
	for k, v := range raw {
		if k == "children" {
			continue
		}
		local[k] = v
	}
	if len(effectiveEnv) > 0 {
		local = envsub.Apply(local, effectiveEnv).(map[string]any)
	}

	name, _ := local["name"].(string)
	url, _ := local["url"].(string)
	if name == "" {
		return nil, &ErrInvalidConfig{Path: sourcePath, Msg: "route requires a name"}
	}
	if url == "" {
		return nil, &ErrInvalidConfig{Path: sourcePath, Msg: "route requires a url"}
	}

	fileCfg := firstMap(local, "file", "file_upload")
	var fileUpload *FileUploadConfig
	if fileCfg != nil {
		fileUpload = &FileUploadConfig{
			Path:        getString(fileCfg, "path"),
			FieldName:   stringOr(getString(fileCfg, "field_name"), "file"),
			ContentType: getString(fileCfg, "content_type"),
			ZipEnabled:  getBool(fileCfg, "zip_enabled", false),
		}
	}

	authCfg := firstMap(local, "basic_auth", "auth")
	var basicAuth *BasicAuthConfig
	if authCfg != nil {
		basicAuth = &BasicAuthConfig{
			Username: getString(authCfg, "username"),
			Password: getString(authCfg, "password"),
		}
	}

	interval := maxFloat(getFloat(local, "interval", 60), 1.0)
	timeout := maxFloat(getFloat(local, "timeout", 10), 1.0)

	bodyLimit := 2048
	if v, ok := firstNumeric(local, "max_response_chars", "body_max_chars"); ok {
		bodyLimit = int(v)
	}
	if bodyLimit < 1 {
		bodyLimit = 1
	}

	jsonPayload, err := resolveJSONPayload(local["json"], baseDir, effectiveEnv)
	if err != nil {
		return nil, err
	}

	multipartFields, err := parseMultipartJSONFields(firstRaw(local, "multipart_json_fields", "multipart_json"), baseDir, effectiveEnv)
	if err != nil {
		return nil, err
	}

	waitFor, err := parseWaitFor(local["wait_for"])
	if err != nil {
		return nil, err
	}

	delayBefore, err := parseDelay(firstRaw(local, "delay_before", "pre_delay"))
	if err != nil {
		return nil, err
	}
	childrenDelayPtr, err := parseDelay(firstRaw(local, "children_delay", "children_timeout"))
	if err != nil {
		return nil, err
	}
	childrenDelay := 0.0
	if childrenDelayPtr != nil {
		childrenDelay = *childrenDelayPtr
	}

	children := make([]*RouteConfig, 0, len(childrenRaw))
	for _, entry := range childrenRaw {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, &ErrInvalidConfig{Path: sourcePath, Msg: "each child must be an object"}
		}
		child, err := FromMap(m, sourcePath, baseDir, effectiveEnv)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}

	method := strings.ToUpper(stringOr(getString(local, "method"), "GET"))
	monitorType := strings.ToLower(stringOr(getString(local, "type"), "http"))

	rc := &RouteConfig{
		Name:                name,
		URL:                 url,
		Method:              method,
		Interval:            interval,
		Timeout:             timeout,
		Headers:             stringMap(local["headers"]),
		Params:              anyMap(local["params"]),
		Data:                firstRaw(local, "data", "body"),
		JSONBody:            jsonPayload,
		AllowRedirs:         getBool(local, "allow_redirects", true),
		VerifySSL:           getBool(local, "verify_ssl", true),
		CABundle:            firstString(local, "ca_bundle", "ca_cert", "verify_path"),
		Description:         getString(local, "description"),
		Enabled:             getBool(local, "enabled", true),
		BodyMaxChars:        bodyLimit,
		FileUpload:          fileUpload,
		BasicAuth:           basicAuth,
		MultipartJSONField:  firstString(local, "multipart_json_field", "json_field"),
		MultipartJSONFields: multipartFields,
		JSONQueryParam:      firstString(local, "json_query_param", "json_param"),
		EncodingFile:        stringOr(firstString(local, "encoding_file", "encondig_file"), "utf-8"),
		EncodingJSON:        stringOr(firstString(local, "encoding_json", "encondig_json"), "utf-8"),
		DelayBefore:         delayBefore,
		ChildrenDelay:       childrenDelay,
		WaitFor:             waitFor,
		Tags:                stringSlice(local["tags"]),
		MonitorType:         monitorType,
		SourcePath:          sourcePath,
		Children:            children,
	}
	return rc, nil
}

func resolveJSONPayload(payload any, baseDir string, env map[string]string) (any, error) {
	if len(env) > 0 {
		payload = envsub.Apply(payload, env)
	}
	s, ok := payload.(string)
	if !ok {
		return payload, nil
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return payload, nil
	}

	candidates := []string{trimmed}
	if !filepath.IsAbs(trimmed) && baseDir != "" {
		candidates = append(candidates, filepath.Join(baseDir, trimmed))
	}

	for _, candidate := range candidates {
		expanded := expandHome(candidate)
		info, err := os.Stat(expanded)
		if err != nil || info.IsDir() {
			continue
		}
		content, err := os.ReadFile(expanded)
		if err != nil {
			continue
		}
		text := strings.TrimSpace(string(content))
		if text == "" {
			text = "null"
		}
		var parsed any
		if err := json.Unmarshal([]byte(text), &parsed); err != nil {
			return nil, &ErrInvalidConfig{Path: expanded, Msg: fmt.Sprintf("invalid JSON content: %v", err)}
		}
		if len(env) > 0 {
			parsed = envsub.Apply(parsed, env)
		}
		return parsed, nil
	}
	return payload, nil
}

func parseMultipartJSONFields(raw any, baseDir string, env map[string]string) ([]MultipartJSONField, error) {
	if raw == nil {
		return nil, nil
	}
	if m, ok := raw.(map[string]any); ok {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make([]MultipartJSONField, 0, len(m))
		for _, k := range keys {
			resolved, err := resolveJSONPayload(m[k], baseDir, env)
			if err != nil {
				return nil, err
			}
			fields = append(fields, MultipartJSONField{FieldName: k, Payload: resolved})
		}
		return fields, nil
	}

	list, ok := raw.([]any)
	if !ok {
		return nil, &ErrInvalidConfig{Msg: "'multipart_json_fields' must be a list or object"}
	}
	fields := make([]MultipartJSONField, 0, len(list))
	for _, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, &ErrInvalidConfig{Msg: "multipart_json_fields entry must be an object"}
		}
		fieldName := firstString(m, "field_name", "field", "name")
		if fieldName == "" {
			return nil, &ErrInvalidConfig{Msg: "multipart_json_fields entry requires field_name"}
		}
		var payloadRaw any
		if v, ok := m["json"]; ok {
			payloadRaw = v
		} else if v, ok := m["payload"]; ok {
			payloadRaw = v
		}
		resolved, err := resolveJSONPayload(payloadRaw, baseDir, env)
		if err != nil {
			return nil, err
		}
		fields = append(fields, MultipartJSONField{
			FieldName: fieldName,
			Payload:   resolved,
			Encoding:  getString(m, "encoding"),
		})
	}
	return fields, nil
}

func parseWaitFor(raw any) (*WaitForConfig, error) {
	if raw == nil {
		return nil, nil
	}
	if s, ok := raw.(string); ok {
		if s == "" {
			return nil, nil
		}
		return &WaitForConfig{Path: s, Attempts: 1}, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, &ErrInvalidConfig{Msg: "'wait_for' must be a string or object"}
	}
	path := firstString(m, "path", "json_path", "field")
	if path == "" {
		return nil, &ErrInvalidConfig{Msg: "'wait_for' requires a path"}
	}
	attempts := int(maxFloat(firstFloatOr(m, 1, "attempts", "retries"), 1))
	delay := maxFloat(firstFloatOr(m, 0, "delay", "interval"), 0)
	return &WaitForConfig{Path: path, Attempts: attempts, Delay: delay}, nil
}

func parseDelay(raw any) (*float64, error) {
	if raw == nil {
		return nil, nil
	}
	f, err := toFloat(raw)
	if err != nil {
		return nil, &ErrInvalidConfig{Msg: fmt.Sprintf("invalid delay value: %v", err)}
	}
	d := maxFloat(f, 0)
	return &d, nil
}

// --- small decoding helpers over map[string]any trees ---

func firstMap(m map[string]any, keys ...string) map[string]any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			if mv, ok := v.(map[string]any); ok {
				return mv
			}
		}
	}
	return nil
}

func firstRaw(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func firstNumeric(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			if f, err := toFloat(v); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func firstFloatOr(m map[string]any, def float64, keys ...string) float64 {
	if f, ok := firstNumeric(m, keys...); ok {
		return f
	}
	return def
}

func getString(m map[string]any, key string) string {
	if v, ok := m[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getBool(m map[string]any, key string, def bool) bool {
	if v, ok := m[key]; ok && v != nil {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

func getFloat(m map[string]any, key string, def float64) float64 {
	if v, ok := m[key]; ok && v != nil {
		if f, err := toFloat(v); err == nil {
			return f
		}
	}
	return def
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		return strconv.ParseFloat(t, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to number", v)
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func stringOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func stringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok {
		return map[string]string{}
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		out[k] = fmt.Sprint(val)
	}
	return out
}

func anyMap(v any) map[string]any {
	m, ok := v.(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return m
}

func stringSlice(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		out = append(out, fmt.Sprint(item))
	}
	return out
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			if path == "~" {
				return home
			}
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
